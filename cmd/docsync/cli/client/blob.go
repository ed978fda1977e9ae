package client

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/mwantia/docsync/pkg/content"
	"github.com/mwantia/docsync/pkg/upload"
	"github.com/spf13/cobra"
)

func NewCatCommand() *cobra.Command {
	var noCache bool
	var offline bool
	var decode bool

	cmd := &cobra.Command{
		Use:   "cat <key>",
		Short: "Print a blob",
		Long:  "Prints the blob stored under a hash or well-known key, reading through the local cache. With --decode, JSON blobs are pretty printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			engine, release, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer release()

			value, err := engine.Content.ReadValue(ctx, args[0], content.ReadOptions{
				Binary:       !decode,
				UseCache:     !noCache,
				EnforceCache: offline,
			})
			if err != nil {
				return err
			}

			return writeValue(cmd.OutOrStdout(), value)
		},
	}

	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the local cache")
	cmd.Flags().BoolVar(&offline, "offline", false, "Only read from the local cache")
	cmd.Flags().BoolVar(&decode, "decode", false, "Pretty print JSON blobs")

	return cmd
}

// writeValue prints a value returned by ReadValue: raw bytes and text as they
// are, decoded JSON indented.
func writeValue(w io.Writer, value any) error {
	switch v := value.(type) {
	case []byte:
		_, err := w.Write(v)
		return err
	case string:
		_, err := io.WriteString(w, v)
		return err
	default:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	}
}

func NewPutCommand() *cobra.Command {
	var filename string

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a blob",
		Long:  "Uploads a local file under its sha256 hash and prints the hash it is stored under.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			source, err := upload.OpenFile(args[0])
			if err != nil {
				return err
			}
			defer source.Close()

			hasher := sha256.New()
			if _, err := io.Copy(hasher, source); err != nil {
				return fmt.Errorf("failed to hash %s: %w", args[0], err)
			}
			if err := source.Reset(); err != nil {
				return err
			}
			hash := hex.EncodeToString(hasher.Sum(nil))

			if filename == "" {
				filename = filepath.Base(args[0])
			}

			engine, release, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer release()

			progress := &upload.Progress{}
			ok, err := engine.Pipeline.Upload(ctx, upload.File{Hash: hash, Filename: filename}, source, progress)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("upload of %s was rejected", args[0])
			}

			snapshot := progress.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", hash, humanize.Bytes(uint64(snapshot.Done)))
			return nil
		},
	}

	cmd.Flags().StringVar(&filename, "filename", "", "rm-filename sent with the upload (default is the file name)")

	return cmd
}
