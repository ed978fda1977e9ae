package client

import (
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/mwantia/docsync/pkg/tree"
	"github.com/spf13/cobra"
)

func NewListCommand() *cobra.Command {
	var humanReadable bool
	var longFormat bool

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the persisted document tree",
		Long:  "List all collections and documents of the tree stored by the last sync, without contacting the remote.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			engine, release, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer release()

			if err := engine.Restore(ctx); err != nil {
				return err
			}

			printTree(cmd.OutOrStdout(), engine.Resolver.Tree(), longFormat, humanReadable)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&humanReadable, "human", "H", false, "Enable human-readable format")
	cmd.Flags().BoolVarP(&longFormat, "long", "l", false, "Display long format")

	return cmd
}

type listing struct {
	path  string
	uuid  string
	dir   bool
	files int
	size  int64
}

func printTree(w io.Writer, t *tree.Tree, long, human bool) {
	names := make(map[string]string)
	parents := make(map[string]string)
	for _, c := range t.Collections() {
		names[c.UUID] = displayName(c.UUID, c.Metadata)
		parents[c.UUID] = c.Parent
	}

	resolve := func(id, parent, name string) string {
		p := name
		seen := map[string]bool{id: true}
		for parent != "" && !seen[parent] {
			seen[parent] = true
			parentName, ok := names[parent]
			if !ok {
				break
			}
			p = path.Join(parentName, p)
			parent = parents[parent]
		}
		return "/" + p
	}

	var entries []listing
	for _, c := range t.Collections() {
		entries = append(entries, listing{path: resolve(c.UUID, c.Parent, names[c.UUID]), uuid: c.UUID, dir: true})
	}
	for _, d := range t.Documents() {
		var size int64
		for _, f := range d.Files {
			size += f.Size
		}
		entries = append(entries, listing{
			path:  resolve(d.UUID, d.Parent, displayName(d.UUID, d.Metadata)),
			uuid:  d.UUID,
			files: len(d.Files),
			size:  size,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].path < entries[j].path
	})

	for _, e := range entries {
		if !long {
			fmt.Fprintln(w, e.path)
			continue
		}

		kind := "-"
		if e.dir {
			kind = "d"
		}
		size := fmt.Sprintf("%d", e.size)
		if human {
			size = humanize.Bytes(uint64(e.size))
		}
		fmt.Fprintf(w, "%s %s %4d %10s %s\n", kind, e.uuid, e.files, size, e.path)
	}
}

func displayName(id string, md *tree.Metadata) string {
	if md == nil || md.VisibleName == "" {
		return id
	}
	return md.VisibleName
}
