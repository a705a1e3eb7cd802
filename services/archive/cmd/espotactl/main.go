package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	gos3 "espota/pkg/s3"
	"espota/pkg/telemetry"
	"espota/services/archive"
	"espota/services/devices"
	"espota/services/firmware"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "espotactl",
		Short:         "Utility for managing an espota firmware store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newStoreCommand())
	cmd.AddCommand(newConfigCommand())
	return cmd
}

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Firmware store export and import operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newStoreExportCommand())
	cmd.AddCommand(newStoreImportCommand())
	return cmd
}

func newStoreExportCommand() *cobra.Command {
	var (
		root   string
		output string
		s3Key  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Create a signed archive of the firmware store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			signer, err := archive.NewSignerFromEnv()
			if err != nil {
				return err
			}
			if _, err := archive.Export(ctx, archive.ExportConfig{
				Root:   root,
				Output: output,
				Signer: signer,
				Stdout: cmd.OutOrStdout(),
			}); err != nil {
				return err
			}
			if s3Key == "" {
				return nil
			}

			client, err := gos3.NewClientFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			if err := client.PutFile(ctx, s3Key, output, ""); err != nil {
				return fmt.Errorf("upload archive: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded s3://%s/%s\n", client.Bucket(), s3Key)
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "files", "Firmware store directory")
	cmd.Flags().StringVar(&output, "output", "", "Destination archive file (tar.zst)")
	cmd.Flags().StringVar(&s3Key, "s3-key", "", "Also upload the archive to this S3 key")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newStoreImportCommand() *cobra.Command {
	var (
		file      string
		root      string
		aliasMode string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed archive and install it into the firmware store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			signer, err := archive.NewSignerFromEnv()
			if err != nil {
				return err
			}
			logger, err := telemetry.NewLogger("espotactl", cmd.ErrOrStderr(), logLevel)
			if err != nil {
				return err
			}
			aliases, err := openAliases(root, aliasMode, logger)
			if err != nil {
				return err
			}
			_, err = archive.Import(ctx, archive.ImportConfig{
				ArchivePath: file,
				Root:        root,
				Signer:      signer,
				Aliases:     aliases,
				Stdout:      cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the archive tar.zst")
	cmd.Flags().StringVar(&root, "root", "files", "Firmware store directory")
	cmd.Flags().StringVar(&aliasMode, "alias-mode", "auto", "How links are recreated: auto, symlink, table or none")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// openAliases returns the alias backend matching the server's alias mode.
func openAliases(root, mode string, logger *log.Logger) (firmware.Aliases, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "auto" {
		mode = "symlink"
		if !firmware.SymlinksPrivileged() {
			mode = "table"
		}
	}

	switch mode {
	case "none":
		return nil, nil
	case "table":
		table, err := firmware.LoadTableAliases(root, logger)
		if err != nil {
			return nil, fmt.Errorf("load alias table: %w", err)
		}
		store, err := firmware.NewStore(root, firmware.WithRedirects(table))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		table.Bind(store)
		return table, nil
	case "symlink":
		store, err := firmware.NewStore(root)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return firmware.NewSymlinkAliases(store, logger), nil
	default:
		return nil, fmt.Errorf("unknown alias mode %q", mode)
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Device configuration helpers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newConfigCheckCommand())
	return cmd
}

func newConfigCheckCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Parse the device configuration and print the resolved mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			mapping, err := devices.Load(path)
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			return printMapping(cmd.OutOrStdout(), mapping)
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "config.yaml", "Device configuration file or directory")
	return cmd
}

func printMapping(w io.Writer, mapping map[string]devices.Device) error {
	ids := make([]string, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		dev := mapping[id]
		source := "local uploads"
		if dev.Repo != "" {
			source = fmt.Sprintf("%s@%s (%s)", dev.Repo, dev.Version, dev.Spec().AssetName())
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", id, source); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d devices configured\n", len(ids))
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
