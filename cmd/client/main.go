// Terminal client for the relay. Connects, announces a display name, prints
// inbound events, and sends each stdin line as a chat message.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"

	"github.com/babachat/relay/pkg/client"
	"github.com/babachat/relay/pkg/protocol"
)

var addr = flag.String("addr", "localhost:8080", "relay address")

func main() {
	flag.Parse()

	username := promptUsername()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	log.Printf("Connecting to %s", u.String())

	disconnected := make(chan error, 1)
	handlers := client.Handlers{
		OnMessage:    printMessage,
		OnPresence:   printPresence,
		OnTyping:     printTyping,
		OnDisconnect: func(err error) { disconnected <- err },
	}

	sess, err := client.Dial(context.Background(), u.String(), handlers)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer sess.Close()

	myID.Store(sess.ID())

	if err := sess.Join(username); err != nil {
		log.Fatalf("Failed to join: %v", err)
	}
	fmt.Println("Joined. Write messages (press Enter to send):")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := readLines()

	for {
		select {
		case err := <-disconnected:
			log.Printf("Disconnected: %v", err)
			return
		case <-interrupt:
			log.Println("Interrupt received, leaving...")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := sess.Send(line); err != nil {
				if err == protocol.ErrEmptyText {
					continue
				}
				log.Printf("Send failed: %v", err)
				return
			}
		}
	}
}

// myID is set after dialing and read from handler callbacks.
var myID atomic.Value

func promptUsername() string {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("Enter your name: ")
		if !scanner.Scan() {
			os.Exit(0)
		}
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			return name
		}
	}
}

func readLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func printMessage(ev protocol.MessageEvent) {
	who := ev.User
	if id, _ := myID.Load().(string); id != "" && ev.SenderID == id {
		who += " (you)"
	}
	fmt.Printf("[%s] %s: %s\n", ev.CreatedAt, who, ev.Text)
}

func printPresence(users []string) {
	fmt.Printf("* online (%d): %s\n", len(users), strings.Join(users, ", "))
}

func printTyping(user string, isTyping bool) {
	if isTyping {
		fmt.Printf("* %s is typing...\n", user)
	}
}
