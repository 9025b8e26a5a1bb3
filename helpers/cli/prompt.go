// Package cli runs line oriented interactive shell.
package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop feeds exec with lines from terminal prompt or piped stdin.
// Returns on EOF, "exit" line or termination signal.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	done := make(chan struct{})
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signalCh)

	go func() {
		defer close(done)
		if isatty.IsTerminal(os.Stdin.Fd()) {
			p := prompt.New(filterExit(exec), complete,
				prompt.OptionPrefix(tag+"> "),
				prompt.OptionTitle(tag),
			)
			p.Run()
		} else {
			ReadLines(os.Stdin, exec)
		}
	}()

	select {
	case <-done:
	case <-signalCh:
	}
}

// ReadLines calls exec for each trimmed line until EOF or "exit".
func ReadLines(r io.Reader, exec func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if isExit(line) {
			return
		}
		exec(line)
	}
}

func filterExit(exec func(string)) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		if isExit(line) {
			// go-prompt has no stop API
			p, _ := os.FindProcess(os.Getpid())
			_ = p.Signal(syscall.SIGTERM)
			return
		}
		exec(line)
	}
}

func isExit(line string) bool { return line == "exit" || line == "quit" }
