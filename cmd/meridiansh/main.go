package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"

	"github.com/meridiandb/meridian-go/cmd/meridiansh/shell"
)

const prompt = "meridian> "

func main() {
	logLevel := flag.String("log", "ERROR", "log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	fmt.Println("MeridianDB Shell")
	fmt.Println("In-memory account. Type '.help' for commands.")
	fmt.Println()

	sh := shell.New(*logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupted. Exiting...")
		cancel()
		os.Exit(0)
	}()

	rl := liner.NewLiner()
	defer rl.Close()
	rl.SetCtrlCAborts(true)

	historyPath := filepath.Join(os.TempDir(), ".meridiansh_history")
	if f, err := os.Open(historyPath); err == nil {
		rl.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			rl.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := rl.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return
			}
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		rl.AppendHistory(input)

		out, exit := sh.Execute(ctx, input)
		if out != "" {
			fmt.Println(out)
		}
		if exit {
			return
		}
	}
}
