// speakergen-plots renders the scalar time series written by a speakergen
// training run into a standalone HTML page: one interactive plotly figure
// per metric type, one trace per metric.
//
// Usage:
//
//	speakergen-plots --log_dir=PATH [--out=FILE.html]
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"html/template"
	"io"
	"os"
	"slices"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/speakergen/scalars"
)

var (
	flagLogDir = flag.String("log_dir", "", "Training log directory to read the scalar series from (required).")
	flagOut    = flag.String("out", "training_plots.html", "HTML file to write.")
)

const plotlySrc = "https://cdn.plot.ly/plotly-2.34.0.min.js"

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagLogDir == "" {
		fmt.Fprintln(os.Stderr, "speakergen-plots: --log_dir is required")
		flag.Usage()
		os.Exit(1)
	}
	if err := run(*flagLogDir, *flagOut); err != nil {
		fmt.Fprintf(os.Stderr, "speakergen-plots: %+v\n", err)
		os.Exit(1)
	}
}

func run(logDir, outFile string) error {
	points, err := scalars.LoadFromDir(logDir)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errors.Errorf("no scalar points found under %q", logDir)
	}

	figs := buildFigures(points)
	serialized := make([][]byte, 0, len(figs))
	for _, fig := range figs {
		contents, err := json.Marshal(fig)
		if err != nil {
			return errors.Wrap(err, "failed to serialize plotly figure")
		}
		serialized = append(serialized, contents)
	}
	if err = writeHTMLFile(outFile, serialized...); err != nil {
		return err
	}
	fmt.Printf("%d figures (%d points) written to %s\n", len(figs), len(points), outFile)
	return nil
}

// buildFigures groups the points into one figure per metric type, with one
// scatter trace per metric name, ordered by step. Figures come out sorted by
// metric type, traces in first-seen order.
func buildFigures(points []scalars.Point) []*grob.Fig {
	byType := make(map[string][]scalars.Point)
	for _, pt := range points {
		byType[pt.MetricType] = append(byType[pt.MetricType], pt)
	}
	metricTypes := make([]string, 0, len(byType))
	for metricType := range byType {
		metricTypes = append(metricTypes, metricType)
	}
	slices.Sort(metricTypes)

	figs := make([]*grob.Fig, 0, len(metricTypes))
	for _, metricType := range metricTypes {
		fig := &grob.Fig{
			Layout: &grob.Layout{
				Title: &grob.LayoutTitle{
					Text: ptypes.S(metricType),
				},
				Xaxis: &grob.LayoutXaxis{
					Showgrid: ptypes.B(true),
				},
				Yaxis: &grob.LayoutYaxis{
					Showgrid: ptypes.B(true),
				},
			},
		}
		nameToTrace := make(map[string]int)
		for _, pt := range byType[metricType] {
			traceIdx, found := nameToTrace[pt.MetricName]
			if !found {
				traceIdx = len(fig.Data)
				nameToTrace[pt.MetricName] = traceIdx
				fig.Data = append(fig.Data, &grob.Scatter{
					Name: ptypes.S(pt.MetricName),
					Line: &grob.ScatterLine{
						Shape: grob.ScatterLineShapeLinear,
					},
					Mode: "lines",
					X:    ptypes.DataArray([]float64{}),
					Y:    ptypes.DataArray([]float64{}),
				})
			}
			trace := fig.Data[traceIdx].(*grob.Scatter)
			trace.X = ptypes.DataArray(append(trace.X.Value().([]float64), pt.Step))
			trace.Y = ptypes.DataArray(append(trace.Y.Value().([]float64), pt.Value))
		}
		figs = append(figs, fig)
	}
	return figs
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<title>speakergen training</title>
		<script src="{{ .CDN }}"></script>
	</head>
	<body>
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
		{{ if not (eq $i (lastIdx $.Figures)) }}
		<hr>
		{{ end }}
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Funcs(template.FuncMap{
		"lastIdx": func(a []string) int { return len(a) - 1 },
	}).Parse(singleFileHTML))
)

// writeHTML renders the plotly figures (given as JSON) to a standalone HTML
// page; the figures are embedded base64-encoded and decoded client-side.
func writeHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN: plotlySrc,
	}
	for _, fig := range figuresAsJSON {
		data.Figures = append(data.Figures, base64.StdEncoding.EncodeToString(fig))
	}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly HTML")
	}
	return nil
}

func writeHTMLFile(fileName string, figuresAsJSON ...[]byte) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	defer func() { _ = f.Close() }()
	return writeHTML(f, figuresAsJSON...)
}
