// Command embedctl runs source-embedding maintenance against the database
// directly: regeneration sweeps for stale rows and ad-hoc source search.
// The same sweeps run as regenerate-embeddings jobs through the API; this
// binary exists for operators working outside the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/gnosis-kg/gnosis/pkg/cache"
	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/database"
	"github.com/gnosis-kg/gnosis/pkg/embeddings"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/providers"
)

const defaultSearchLimit = 10

var (
	command  = flag.String("command", "regenerate", "Command to execute (regenerate, search)")
	all      = flag.Bool("all", false, "Sweep every source")
	ontology = flag.String("ontology", "", "Sweep or search one ontology")
	sourceID = flag.String("source", "", "Sweep one source by id")
	query    = flag.String("query", "", "Query text for the search command")
	limit    = flag.Int("limit", defaultSearchLimit, "Limit for search results")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerWithLevel("embedctl",
		observability.ParseLogLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop the sweep between batches instead of mid-transaction
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Received termination signal, canceling...")
		cancel()
	}()

	db, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	cacheClient, err := cache.New(cache.Config{Backend: "none"})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheClient.Close()

	set, err := providers.New(ctx, cfg.Providers, cacheClient, logger)
	if err != nil {
		log.Fatalf("Failed to initialize providers: %v", err)
	}

	repo := embeddings.NewRepo(db, logger)
	worker := embeddings.NewWorker(repo, set.Embedder, cfg.Ingestion.SentenceMaxChars, logger)

	switch *command {
	case "regenerate":
		err = runRegenerateCommand(ctx, worker)
	case "search":
		err = runSearchCommand(ctx, repo, set)
	default:
		err = fmt.Errorf("unknown command: %s", *command)
	}
	if err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func runRegenerateCommand(ctx context.Context, worker *embeddings.Worker) error {
	sel := embeddings.Selector{
		All:      *all,
		Ontology: *ontology,
		SourceID: *sourceID,
	}

	result, err := worker.Regenerate(ctx, sel, func(done, total int64, message string) {
		if total > 0 {
			log.Printf("[%d/%d] %s", done, total, message)
			return
		}
		log.Printf("[%d] %s", done, message)
	})
	if err != nil {
		return err
	}

	log.Printf("Sweep complete: scanned=%d updated=%d skipped=%d chunks=%d",
		result.SourcesScanned, result.SourcesUpdated, result.SourcesSkipped, result.ChunksEmbedded)
	return nil
}

func runSearchCommand(ctx context.Context, repo *embeddings.Repo, set *providers.Set) error {
	if *query == "" {
		return fmt.Errorf("query is required for search command")
	}

	vectors, err := set.Embedder.Embed(ctx, []string{*query})
	if err != nil {
		return fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := repo.SearchSources(ctx, vectors[0], *ontology, *limit)
	if err != nil {
		return fmt.Errorf("failed to search sources: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No results")
		return nil
	}

	for i, r := range results {
		snippet := r.ChunkText
		if len(snippet) > 120 {
			snippet = snippet[:120] + "..."
		}
		stale := ""
		if r.IsStale {
			stale = " [stale]"
		}
		fmt.Printf("%2d. %.3f %s/%s #%d%s\n    %s\n",
			i+1, r.Similarity, r.Ontology, r.DocumentName, r.ChunkIndex, stale,
			strings.ReplaceAll(snippet, "\n", " "))
	}
	return nil
}
