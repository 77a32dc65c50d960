package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/streetviewlocate/geosync/internal/bridge"
	"github.com/streetviewlocate/geosync/internal/config"
	"github.com/streetviewlocate/geosync/internal/export"
	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/publish"
	"github.com/streetviewlocate/geosync/internal/viewer"
	"github.com/streetviewlocate/geosync/internal/viewstate"
)

func withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	o, err := flagOverrides(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), o)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(a)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func doCRSList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		custom := map[int]bool{}
		for _, d := range a.registry.Definitions() {
			custom[d.EPSG] = true
		}

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"NAME", "EPSG", "SOURCE"})
		for _, c := range a.registry.Codes() {
			source := "builtin"
			if custom[c.EPSG] {
				source = "custom"
			}
			t.AppendRow(table.Row{c.Name, c.EPSG, source})
		}
		t.Render()
		return nil
	})
}

func doLocate(cmd *cobra.Command, args []string) error {
	if _, ok := viewstate.Parse(args[0]); !ok {
		return fmt.Errorf("%q does not describe a panorama view", args[0])
	}
	return withApp(cmd, func(a *app) error {
		if _, err := a.startSession(); err != nil {
			return err
		}
		if err := a.bridge.OnViewerNavigated(cmd.Context(), args[0]); err != nil {
			return err
		}
		return printMarkers(cmd.Context(), cmd.OutOrStdout(), a)
	})
}

func doPick(cmd *cobra.Command, args []string) error {
	point, err := geo.PointFromString(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app) error {
		if _, err := a.startSession(); err != nil {
			return err
		}
		url, err := a.bridge.OnDrawingPointPicked(cmd.Context(), point)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	})
}

func doExport(cmd *cobra.Command, args []string) error {
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	upload, err := cmd.Flags().GetBool("publish")
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app) error {
		if err := a.openDocument(); err != nil {
			return err
		}
		code, err := a.registry.Resolve(a.doc.CRSName())
		if err != nil {
			return &bridge.ConfigurationError{Reason: fmt.Sprintf("coordinate system %q is not supported", a.doc.CRSName()), Err: err}
		}

		fc, err := export.GeoJSON(cmd.Context(), a.doc, a.transformer, code)
		if err != nil {
			return err
		}
		data, err := fc.MarshalJSON()
		if err != nil {
			return err
		}
		data = append(data, '\n')

		name := a.doc.ID() + ".geojson"
		switch {
		case out != "":
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			a.log.Info("Markers exported", "path", out, "count", len(fc.Features))
			name = filepath.Base(out)
		case !upload:
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}

		if !upload {
			return nil
		}
		layer, err := publishLayer(cmd.Context(), a, name, data, code.Name, len(fc.Features))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published layer %s\n", layer.ID)
		return nil
	})
}

// publishLayer uploads an exported layer. Without --out nothing is written
// locally and only the upload happens.
func publishLayer(ctx context.Context, a *app, name string, data []byte, crsName string, markers int) (publish.Layer, error) {
	pc := config.GetPublishConfig()
	if pc.URL == "" {
		return publish.Layer{}, &bridge.ConfigurationError{Reason: "publish.url is not set"}
	}
	client := publish.New(pc.URL, pc.APIKey)
	if err := client.Healthcheck(ctx); err != nil {
		return publish.Layer{}, err
	}
	meta := publish.Metadata{DocumentID: a.doc.ID(), CRS: crsName, Markers: markers, Tag: pc.Tag}
	layer, err := client.Upload(ctx, name, bytes.NewReader(data), meta)
	if err != nil {
		return publish.Layer{}, err
	}
	a.log.Info("Markers published", "url", pc.URL, "layer", layer.ID, "count", markers)
	return layer, nil
}

func doSession(cmd *cobra.Command, args []string) error {
	script, err := cmd.Flags().GetString("script")
	if err != nil {
		return err
	}
	in := cmd.InOrStdin()
	if script != "" {
		f, err := os.Open(script)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	return withApp(cmd, func(a *app) error {
		if _, err := a.startSession(); err != nil {
			return err
		}
		d, err := a.newDispatcher()
		if err != nil {
			return err
		}
		defer d.Close()

		v := viewer.NewScripted(true)
		detach := a.bridge.Attach(cmd.Context(), v, d)
		defer detach()

		if err := runScript(cmd.Context(), in, a, v); err != nil {
			return err
		}
		// drain posted navigations before reporting
		v.Wait()
		d.Close()

		w := cmd.OutOrStdout()
		for _, url := range v.History() {
			fmt.Fprintf(w, "navigated %s\n", url)
		}
		return printMarkers(cmd.Context(), w, a)
	})
}

func runScript(ctx context.Context, in io.Reader, a *app, v *viewer.Scripted) error {
	scanner := bufio.NewScanner(in)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		verb, rest, _ := strings.Cut(text, " ")
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(verb) {
		case "navigate":
			v.Emit(rest)
		case "pick":
			p, err := geo.PointFromString(rest)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			if err := a.bridge.PickAndNavigate(ctx, scriptPicker{point: p, ok: true}, v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case "cancel":
			if err := a.bridge.PickAndNavigate(ctx, scriptPicker{}, v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case "end":
			if err := a.bridge.EndSession(ctx); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		default:
			v.Emit(text)
		}
		// keep script order: listeners run asynchronously
		v.Wait()
	}
	return scanner.Err()
}

// scriptPicker answers a pick prompt with a point read from the script.
type scriptPicker struct {
	point geo.ProjectedPoint
	ok    bool
}

func (p scriptPicker) PickPoint(ctx context.Context, prompt string) (geo.ProjectedPoint, bool, error) {
	return p.point, p.ok, nil
}

func printMarkers(ctx context.Context, w io.Writer, a *app) error {
	recs, err := a.doc.Markers(ctx)
	if err != nil {
		return err
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"MARKER", "DOCUMENT", "BLOCK", "EASTING", "NORTHING", "ROTATION"})
	for _, r := range recs {
		t.AppendRow(table.Row{
			r.ID,
			r.DocumentID,
			r.Block,
			fmt.Sprintf("%.3f", r.Point.Easting),
			fmt.Sprintf("%.3f", r.Point.Northing),
			fmt.Sprintf("%.2f°", r.Rotation*180/math.Pi),
		})
	}
	t.Render()
	return nil
}
