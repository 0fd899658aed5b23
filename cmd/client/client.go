// Command client is a terminal voice client: it dials a running platform,
// streams the default microphone in, plays synthesized replies back, and
// prints the conversation as it happens.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sahilai/voiceforge/internal/clientsession"
	"github.com/sahilai/voiceforge/internal/clientsession/audio"
	"github.com/sahilai/voiceforge/internal/logger"
)

func main() {
	url := flag.String("url", "ws://localhost:8080", "Platform base URL")
	slug := flag.String("slug", "", "Agent slug (multi-agent mode); empty for /session")
	flag.Parse()

	logger.Init(true)
	log := logger.WithComponent("client")

	base := *url
	if *slug != "" {
		base = strings.TrimRight(base, "/") + "/" + *slug
	}

	session := clientsession.New(base, clientsession.Options{
		Capturer: audio.NewCapturer(),
		Player:   audio.NewPlayer(),
	})

	session.On(clientsession.EventStateChange, func(ev clientsession.Event) {
		log.Info().Str("state", string(ev.State)).Msg("state changed")
	})
	session.On(clientsession.EventTranscript, func(ev clientsession.Event) {
		if ev.Transcript != "" {
			fmt.Printf("\r… %s", ev.Transcript)
		}
	})
	session.On(clientsession.EventMessage, func(ev clientsession.Event) {
		fmt.Printf("\r[%s] %s\n", ev.Message.Role, ev.Message.Content)
		for _, step := range ev.Message.Steps {
			fmt.Printf("        %s\n", step)
		}
	})
	session.On(clientsession.EventError, func(ev clientsession.Event) {
		log.Error().Str("kind", string(ev.ErrorKind)).Str("message", ev.ErrorText).Msg("session error")
	})
	session.On(clientsession.EventReset, func(clientsession.Event) {
		fmt.Println("\r[conversation reset]")
	})

	session.Connect()
	fmt.Println("Connected. Commands: cancel | reset | quit")

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "cancel":
				session.Cancel()
			case "reset":
				session.Reset()
			case "quit":
				session.Disconnect()
				os.Exit(0)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	session.Disconnect()
}
