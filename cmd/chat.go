package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vsf-health/vsf-agent/pkg/agent"
	"github.com/vsf-health/vsf-agent/pkg/doctors"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the memory agent from the terminal",
	Long: `Start an interactive chat session against the memory agent.

Inside the session:
  /clear-buffer     clear the conversation buffer
  /clear-longterm   delete the long-term memory files
  /view-buffer      print the buffered conversation
  /view-longterm    print the long-term memory content
  /quit             exit`,
	Run: runChat,
}

func runChat(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	model, err := rt.newModel()
	if err != nil {
		rt.log.Fatalf("Failed to initialize chat model: %v", err)
	}

	searcher := doctors.NewSearcher(rt.store, rt.embedder, rt.cfg.Memory.DoctorsCollection, rt.log)
	ag, err := agent.New(agent.Config{
		Model:       model,
		LongTerm:    rt.longterm,
		Doctors:     searcher,
		BufferSize:  rt.cfg.Memory.BufferSize,
		MaxTurns:    rt.cfg.LLM.MaxTurns,
		Temperature: rt.cfg.LLM.Temperature,
		Log:         rt.log,
	})
	if err != nil {
		rt.log.Fatalf("Failed to initialize agent: %v", err)
	}

	fmt.Println("Memory agent chat")
	fmt.Println("Commands: /clear-buffer | /clear-longterm | /view-buffer | /view-longterm | /quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "/quit", "/exit":
			fmt.Println("Bye.")
			return
		case "/clear-buffer":
			ag.ClearBuffer()
			fmt.Println("Buffer memory cleared.")
			continue
		case "/clear-longterm":
			if err := rt.longterm.ClearAll(); err != nil {
				fmt.Printf("Failed to clear long-term memory: %v\n", err)
			} else {
				fmt.Println("Long-term memory cleared.")
			}
			continue
		case "/view-buffer":
			fmt.Println("\nBuffer memory:")
			for _, msg := range ag.BufferMessages() {
				fmt.Printf("%s: %s\n", msg.Role, msg.Content)
			}
			fmt.Println()
			continue
		case "/view-longterm":
			content, _, err := rt.longterm.Content()
			if err != nil {
				fmt.Printf("Failed to read long-term memory: %v\n", err)
				continue
			}
			fmt.Printf("\nLong-term memory:\n%s\n\n", content)
			continue
		}

		result, err := ag.Chat(ctx, input)
		if err != nil {
			fmt.Printf("Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\nAgent: %s\n\n", result.Response)
	}
}
