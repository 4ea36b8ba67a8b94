package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/styletransfer/pkg/montage"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("montage", "Tile rendered images or GIFs into one composite for side-by-side comparison")
	inputs := parser.StringList("i", "input", &argparse.Options{Help: "Input file (repeat for each artifact)", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output file", Required: true})
	layout := parser.Selector("l", "layout", []string{"row", "grid"}, &argparse.Options{Help: "Tile layout", Required: false, Default: "row"})
	columns := parser.Int("", "columns", &argparse.Options{Help: "Grid columns (0 = near-square)", Required: false, Default: 0})
	cellWidth := parser.Int("", "cellwidth", &argparse.Options{Help: "Cell width (0 = width of first input)", Required: false, Default: 0})
	cellHeight := parser.Int("", "cellheight", &argparse.Options{Help: "Cell height (0 = height of first input)", Required: false, Default: 0})
	labels := parser.StringList("", "label", &argparse.Options{Help: "Per-cell label (repeat, in input order)", Required: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	opt := montage.NewOptions()
	if *layout == "grid" {
		opt.Layout = montage.LayoutGrid
	}
	opt.Columns = *columns
	opt.CellWidth = *cellWidth
	opt.CellHeight = *cellHeight
	opt.Labels = *labels

	check(montage.Files(logger, *inputs, *output, opt))
}
