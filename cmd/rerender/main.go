// Command rerender lists archived rasters and re-exports one through a
// different palette without replaying the source file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"rastertail/config"
	"rastertail/gallery"
	"rastertail/palette"
	"rastertail/persist"
	"rastertail/rasterstore"
	"rastertail/render"

	"github.com/dustin/go-humanize"
)

type options struct {
	configPath string
	list       int
	id         int64
	digest     string
	palette    string
	output     string
	format     string
}

func main() {
	log.SetFlags(0)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("rerender: %v", err)
	}
}

func parseOptions(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("rerender", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "rastertail config file or directory")
	fs.IntVar(&o.list, "list", 0, "list the N most recent gallery entries")
	fs.Int64Var(&o.id, "id", 0, "gallery entry to re-render")
	fs.StringVar(&o.digest, "digest", "", "archived raster digest (hex) to re-render")
	fs.StringVar(&o.palette, "palette", "", "palette for the new image")
	fs.StringVar(&o.output, "output", "", "output directory (defaults to the archived source's fractals dir)")
	fs.StringVar(&o.format, "format", "", "png or jpeg (defaults to config output.format)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if o.list <= 0 && o.id == 0 && o.digest == "" {
		return o, errors.New("one of -list, -id or -digest is required")
	}
	if o.list <= 0 && o.palette == "" {
		return o, errors.New("-palette is required when re-rendering")
	}
	return o, nil
}

// Purpose: Tool body.
// Key aspects: Reads the same config as the daemon so gallery and archive
// paths match; never modifies the archive.
// Upstream: main.
// Downstream: gallery.Index, rasterstore.Store, render.Full, persist.Writer.Export.
func run(args []string, stdout io.Writer) error {
	o, err := parseOptions(args)
	if err != nil {
		return err
	}
	path, explicit := config.ResolvePath(o.configPath)
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if o.list > 0 {
		idx, err := gallery.Open(cfg.Gallery.Path)
		if err != nil {
			return err
		}
		defer idx.Close()
		return listEntries(ctx, idx, o.list, stdout)
	}

	digest, err := resolveDigest(ctx, cfg, o)
	if err != nil {
		return err
	}
	name, err := palette.Parse(o.palette)
	if err != nil {
		return err
	}
	store, err := rasterstore.Open(cfg.Archive.Path, rasterstore.Options{CacheSizeBytes: int64(cfg.Archive.CacheMB) << 20})
	if err != nil {
		return err
	}
	defer store.Close()

	format := o.format
	if format == "" {
		format = cfg.Output.Format
	}
	dir := o.output
	if dir == "" {
		dir = cfg.Output.Dir
	}
	out, err := rerender(store, digest, name, persist.Options{Dir: dir, Format: format})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s\n", out)
	return nil
}

func resolveDigest(ctx context.Context, cfg *config.Config, o options) (uint64, error) {
	if o.digest != "" {
		d, err := strconv.ParseUint(strings.TrimPrefix(o.digest, "0x"), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid digest %q: %w", o.digest, err)
		}
		return d, nil
	}
	idx, err := gallery.Open(cfg.Gallery.Path)
	if err != nil {
		return 0, err
	}
	defer idx.Close()
	entry, err := idx.Get(ctx, o.id)
	if err != nil {
		return 0, fmt.Errorf("gallery entry %d: %w", o.id, err)
	}
	return entry.Digest, nil
}

func rerender(store *rasterstore.Store, digest uint64, name palette.Name, opts persist.Options) (string, error) {
	snap, err := store.Get(digest)
	if err != nil {
		return "", fmt.Errorf("raster %016x: %w", digest, err)
	}
	view, err := snap.View()
	if err != nil {
		return "", err
	}
	writer, err := persist.NewWriter(snap.Source, opts)
	if err != nil {
		return "", err
	}
	return writer.Export(render.Full(view, palette.Build(name)), name)
}

func listEntries(ctx context.Context, idx *gallery.Index, n int, w io.Writer) error {
	entries, err := idx.Recent(ctx, n)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDIGEST\tPALETTE\tSIZE\tFILLED\tCREATED\tPATH")
	for _, e := range entries {
		filled := humanize.Comma(int64(e.Filled))
		if !e.Complete {
			filled += " (partial)"
		}
		fmt.Fprintf(tw, "%d\t%016x\t%s\t%dx%d\t%s\t%s\t%s\n",
			e.ID, e.Digest, e.Palette, e.Width, e.Height, filled, humanize.Time(e.CreatedAt), e.Path)
	}
	return tw.Flush()
}
