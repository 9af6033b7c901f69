package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
	"github.com/dustin/go-humanize"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"xmdecrypt/services"
)

const maxShownPrefix = 48

func cmdInspect() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Aliases:   []string{"i"},
		Usage:     "Show the header of an .xm file or the tags of a decrypted file",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.NArg() != 1 {
				return goerr.New("exactly one file is required")
			}
			return inspect(os.Stdout, c.Args().First())
		},
	}
}

func inspect(out io.Writer, path string) error {
	if strings.EqualFold(filepath.Ext(path), services.ContainerExt) {
		return inspectContainer(out, path)
	}
	return inspectAudio(out, path)
}

func inspectContainer(out io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return goerr.Wrap(err, "failed to read file", goerr.V("path", path))
	}
	info, err := services.ParseContainer(data)
	if err != nil {
		return err
	}

	ivStatus := "missing"
	if info.ISRC != "" || info.EncodedBy != "" {
		if iv, err := info.IV(); err != nil {
			ivStatus = "invalid: " + err.Error()
		} else {
			ivStatus = hex.EncodeToString(iv)
		}
	}

	rows := [][]string{
		{"File", filepath.Base(path)},
		{"Size", humanize.Bytes(uint64(len(data)))},
		{"Title", info.Title},
		{"Artist", info.Artist},
		{"Album", info.Album},
		{"Track", strconv.Itoa(info.TrackNumber)},
		{"Header", humanize.Bytes(uint64(info.HeaderSize))},
		{"Payload", humanize.Bytes(uint64(info.PayloadSize))},
		{"Tail", humanize.Bytes(uint64(len(data) - info.PayloadEnd()))},
		{"IV", ivStatus},
		{"Prefix", truncate(info.EncodingTechnology, maxShownPrefix)},
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
	return nil
}

func inspectAudio(out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return goerr.Wrap(err, "failed to open file", goerr.V("path", path))
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return goerr.Wrap(err, "failed to stat file", goerr.V("path", path))
	}

	head := make([]byte, 255)
	n, _ := io.ReadFull(f, head)
	format := services.SniffFormat(head[:n])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return goerr.Wrap(err, "failed to rewind file", goerr.V("path", path))
	}

	rows := [][]string{
		{"File", filepath.Base(path)},
		{"Size", humanize.Bytes(uint64(stat.Size()))},
		{"Format", format},
	}

	m, err := tag.ReadFrom(f)
	if err != nil {
		rows = append(rows, []string{"Tags", "none (" + err.Error() + ")"})
	} else {
		track, total := m.Track()
		trackText := strconv.Itoa(track)
		if total > 0 {
			trackText += "/" + strconv.Itoa(total)
		}
		rows = append(rows,
			[]string{"Tags", string(m.Format())},
			[]string{"Title", m.Title()},
			[]string{"Artist", m.Artist()},
			[]string{"Album", m.Album()},
			[]string{"Track", trackText},
		)
	}

	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
