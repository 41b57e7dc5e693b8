package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"codeindex/internal/config"
	"codeindex/internal/errors"
)

var (
	initForce  bool
	initFormat string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default project configuration",
	Long: `Create .codeindex/config.<format> in the project root with the default
settings. An existing configuration is left alone unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing configuration")
	initCmd.Flags().StringVar(&initFormat, "config-format", "json", "Configuration encoding (json, toml, yaml)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root := projectFlag
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return errors.New(errors.InternalError, "failed to get current directory", err)
		}
		root = cwd
	}

	ext := strings.ToLower(initFormat)
	switch ext {
	case "json", "toml", "yaml":
	default:
		return errors.Newf(errors.InvalidParameter, "unsupported config format %q", initFormat)
	}
	path := config.DefaultPath(root)
	if ext != "json" {
		path = filepath.Join(filepath.Dir(path), "config."+ext)
	}

	if existing := existingConfig(root); existing != "" {
		if !initForce {
			fmt.Printf("Already initialized: %s\n", existing)
			fmt.Println("Run 'codeindex init --force' to overwrite.")
			return nil
		}
		if err := os.Remove(existing); err != nil {
			return errors.New(errors.InternalError, "failed to remove existing config", err)
		}
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return errors.New(errors.InternalError, "failed to write config", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// existingConfig returns the first configuration file found for root.
func existingConfig(root string) string {
	dir := filepath.Dir(config.DefaultPath(root))
	for _, name := range []string{"config.json", "config.toml", "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
