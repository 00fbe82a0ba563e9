package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/prastowoa/balesin/pkg/balesin/agent"
	"github.com/prastowoa/balesin/pkg/balesin/store"
)

// newKnowledgeCmd creates the `balesin knowledge` command group for
// managing the knowledge base the agent retrieves from.
func newKnowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the knowledge base",
		Long: `Add, list, search and delete knowledge base entries. Entries are
embedded on insert and retrieved by the agent's knowledge_search tool.

Examples:
  balesin knowledge add "Harga paket basic Rp150.000/bulan"
  balesin knowledge list
  balesin knowledge search "harga paket"
  balesin knowledge delete 6f1c...`,
	}

	cmd.AddCommand(
		newKnowledgeAddCmd(),
		newKnowledgeListCmd(),
		newKnowledgeSearchCmd(),
		newKnowledgeDeleteCmd(),
	)
	return cmd
}

// knowledgeStore opens the database and wires the embedder. The returned
// cleanup closes the connection.
func knowledgeStore(cmd *cobra.Command) (*store.KnowledgeStore, func(), error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	oa := openai.NewClient(cfg.OpenAI.APIKey)
	ks := store.NewKnowledgeStore(db, agent.NewEmbedder(oa, cfg.OpenAI.EmbeddingModel))
	return ks, func() { store.Close(db) }, nil
}

func newKnowledgeAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <content>",
		Short: "Add an entry to the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, cleanup, err := knowledgeStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			item, err := ks.Create(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Added %s\n", item.ID)
			return nil
		},
	}
}

func newKnowledgeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List knowledge base entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, cleanup, err := knowledgeStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			items, err := ks.List(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("Knowledge base is empty.")
				return nil
			}
			for _, item := range items {
				content := item.Content
				if len(content) > 80 {
					content = content[:77] + "..."
				}
				fmt.Printf("%s  %s\n", item.ID, content)
			}
			return nil
		},
	}
}

func newKnowledgeSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base by similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, cleanup, err := knowledgeStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			threshold, _ := cmd.Flags().GetString("threshold")
			th, err := strconv.ParseFloat(threshold, 64)
			if err != nil {
				return fmt.Errorf("invalid threshold %q", threshold)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			results, err := ks.Search(ctx, args[0], 5, th)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%.3f  %s\n", r.Similarity, strings.ReplaceAll(r.Content, "\n", " "))
			}
			return nil
		},
	}
	cmd.Flags().String("threshold", "0.3", "minimum similarity (0..1)")
	return cmd
}

func newKnowledgeDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a knowledge base entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}

			ks, cleanup, err := knowledgeStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := ks.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Println("Deleted.")
			return nil
		},
	}
}
