// Command mcdock-console attaches the terminal to a workload console: stdin
// lines are sent as input and console output is printed as it arrives.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/user/mcdock/internal/termtext"
)

type outputMessage struct {
	ConsoleOut string `json:"console_out"`
}

func main() {
	addr := pflag.String("addr", "localhost:8000", "mcdock server address (host:port)")
	plain := pflag.Bool("plain", false, "strip terminal escape sequences from output")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: mcdock-console [--addr host:port] [--plain] <workload-id>\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	render := func(s string) string { return s }
	if *plain {
		render = termtext.Plain
	}
	if err := attach(ctx, *addr, pflag.Arg(0), render); err != nil {
		fmt.Fprintln(os.Stderr, "mcdock-console:", err)
		os.Exit(1)
	}
}

func consoleURL(addr, id string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/api/servers/" + id + "/console"}
	return u.String()
}

func attach(ctx context.Context, addr, id string, render func(string) string) error {
	conn, resp, err := websocket.Dial(ctx, consoleURL(addr, id), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial console %s: %s", id, resp.Status)
		}
		return fmt.Errorf("dial console %s: %w", id, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	errCh := make(chan error, 2)
	go func() {
		for {
			var msg outputMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				errCh <- err
				return
			}
			fmt.Print(render(msg.ConsoleOut))
		}
	}()
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := conn.Write(ctx, websocket.MessageText, scanner.Bytes()); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- scanner.Err()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err == nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
