// ufpwatch connects to a UniFi Protect controller using UFP_* environment
// variables and prints every state transition and device notification. It is
// a diagnostic tool, not the library surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/uilibs/uiprotect"
	"github.com/uilibs/uiprotect/data"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	var (
		cfg uiprotect.Config
		err error
	)
	if *configPath != "" {
		cfg, err = uiprotect.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("[ERROR] loading config: %v", err)
		}
	} else {
		cfg = uiprotect.ConfigFromEnv()
	}

	client, err := uiprotect.NewProtectClient(cfg)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	defer client.Close()

	states, unsubState := client.SubscribeState()
	defer unsubState()
	go func() {
		for s := range states {
			log.Printf("session state: %s", s)
		}
	}()

	unsub := client.SubscribeMessages(func(msg *data.WSSubscriptionMessage) {
		if msg.IsReset {
			fmt.Println("-- graph reset --")
			return
		}
		fmt.Printf("%s %s %s changed=%v\n", msg.Action, msg.ModelKey, msg.ID, msg.Changed.Sorted())
	})
	defer unsub()

	if err := client.Start(context.Background()); err != nil {
		log.Fatalf("[ERROR] start: %v", err)
	}

	b := client.Bootstrap()
	fmt.Printf("connected to %s (%s), %d cameras\n", b.Nvr.Name, b.Nvr.Version, len(b.Cameras))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
