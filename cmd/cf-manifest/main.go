// Command cf-manifest implements spec §9 SUPPLEMENT #2: load a .jsonc
// manifest of TaggingRules and ParserBindings, validate each entry
// against the embedded schemas, and upsert it into the Catalog.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/casparianflow/flow/internal/catalog"
	"github.com/casparianflow/flow/internal/logger"
	"github.com/casparianflow/flow/internal/schema"
	"github.com/casparianflow/flow/internal/svcconfig"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cf-manifest: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cf-manifest", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML runtime configuration file")
	manifestPath := fs.String("manifest", "", "path to a .jsonc manifest file (required)")
	dryRun := fs.Bool("dry-run", false, "validate and print what would be registered without writing to the Catalog")
	verbose := fs.Bool("verbose", false, "enable info-level logging")
	debug := fs.Bool("debug", false, "enable debug-level logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *manifestPath == "" {
		return fmt.Errorf("-manifest is required")
	}

	switch {
	case *debug:
		logger.SetLevel(logger.LevelDebug)
	case *verbose:
		logger.SetLevel(logger.LevelInfo)
	}

	rules, bindings, err := schema.LoadManifest(*manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	logger.Info("cf-manifest: %s decoded %d tagging rule(s), %d parser binding(s)",
		*manifestPath, len(rules), len(bindings))

	if *dryRun {
		for _, r := range rules {
			logger.Info("cf-manifest: [dry-run] tagging rule %s -> %s (priority %d)", r.Pattern, r.Tag, r.Priority)
		}
		for _, b := range bindings {
			logger.Info("cf-manifest: [dry-run] parser binding %s@%s (tags=%v)", b.Binding.Name, b.Binding.SourceHash, b.Binding.Tags)
		}
		return nil
	}

	svc := svcconfig.Default()
	if *configPath != "" {
		loaded, err := svcconfig.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		svc = loaded
	}

	cat, err := catalog.Open(svc.Catalog.URL)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	for _, r := range rules {
		id, err := cat.AddTaggingRule(r)
		if err != nil {
			return fmt.Errorf("register tagging rule %s: %w", r.Pattern, err)
		}
		logger.Info("cf-manifest: registered tagging rule %d (%s -> %s)", id, r.Pattern, r.Tag)
	}
	for _, b := range bindings {
		id, err := cat.RegisterParserBinding(b.Binding)
		if err != nil {
			return fmt.Errorf("register parser binding %s: %w", b.Binding.Name, err)
		}
		logger.Info("cf-manifest: registered parser binding %d (%s@%s)", id, b.Binding.Name, b.Binding.SourceHash)
	}
	return nil
}
