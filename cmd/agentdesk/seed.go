package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mohammad-safakhou/agentdesk/config"
	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
)

// seedArticle is one system-tier article in a seed file.
type seedArticle struct {
	Agent   string `yaml:"agent" validate:"required"`
	Name    string `yaml:"name" validate:"required,max=256"`
	Type    string `yaml:"type" validate:"required,oneof=json markdown text"`
	Content string `yaml:"content"`
}

type seedFile struct {
	Articles []seedArticle `yaml:"articles" validate:"required,min=1,dive"`
}

var seedValidate = validator.New()

// parseSeed decodes and validates a seed document. Unknown keys are
// rejected so typos do not silently drop articles.
func parseSeed(r io.Reader) (seedFile, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return seedFile{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := seedValidate.Struct(f); err != nil {
		return seedFile{}, fmt.Errorf("invalid seed: %w", err)
	}
	seen := map[string]int{}
	for i, a := range f.Articles {
		key := a.Agent + "/" + a.Name
		if j, dup := seen[key]; dup {
			return seedFile{}, fmt.Errorf("invalid seed: article %s listed at %d and %d", key, j, i)
		}
		seen[key] = i
		ct, err := knowledge.ParseContentType(a.Type)
		if err != nil {
			return seedFile{}, fmt.Errorf("article %s: %w", key, err)
		}
		if err := knowledge.ValidateContent(ct, a.Content); err != nil {
			return seedFile{}, fmt.Errorf("article %s: %w", key, err)
		}
	}
	return f, nil
}

// applySeed upserts every article at the system tier and returns the
// agents that were touched, sorted.
func applySeed(ctx context.Context, seeder systemSeeder, f seedFile, logger *log.Logger) ([]string, error) {
	agents := map[string]struct{}{}
	for _, a := range f.Articles {
		ct, _ := knowledge.ParseContentType(a.Type)
		it, err := seeder.UpsertSystemItem(ctx, a.Agent, a.Name, ct, a.Content)
		if err != nil {
			return nil, fmt.Errorf("seed %s/%s: %w", a.Agent, a.Name, err)
		}
		logger.Printf("seeded %s/%s v%d (%s)", a.Agent, a.Name, it.Version, it.ID)
		agents[a.Agent] = struct{}{}
	}
	out := make([]string, 0, len(agents))
	for a := range agents {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func seedFromFile(ctx context.Context, b *backend, path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	f, err := parseSeed(fh)
	if err != nil {
		return err
	}
	logger := log.New(log.Writer(), "[SEED] ", log.LstdFlags)
	agents, err := applySeed(ctx, b.Seeder, f, logger)
	if err != nil {
		return err
	}
	if b.Cache != nil {
		for _, agent := range agents {
			b.Cache.InvalidateAgent(ctx, agent)
		}
	}
	logger.Printf("seeded %d article(s) for %d agent(s)", len(f.Articles), len(agents))
	return nil
}

func seedCMD() *cobra.Command {
	var cfgPath string
	var file string
	var seed = &cobra.Command{
		Use:   "seed",
		Short: "Load system-tier knowledge articles from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Knowledge.Driver == config.DriverMemory {
				return fmt.Errorf("seed needs a persistent driver; use serve --seed with the memory driver")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			return seedFromFile(ctx, b, file)
		},
	}
	seed.Flags().StringVarP(&file, "file", "f", "", "seed YAML file")
	_ = seed.MarkFlagRequired("file")
	seed.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return seed
}
