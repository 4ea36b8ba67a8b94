package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/styletransfer/pkg/gifx"
	"github.com/cyclopcam/styletransfer/pkg/imgtensor"
	"github.com/cyclopcam/styletransfer/pkg/transfer"
	"github.com/cyclopcam/styletransfer/pkg/vgg"
	"github.com/cyclopcam/styletransfer/pkg/weights"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("stylize", "Apply neural style transfer to an image or an animated GIF")
	content := parser.String("c", "content", &argparse.Options{Help: "Content image (or animated GIF)", Required: true})
	style := parser.String("s", "style", &argparse.Options{Help: "Style image", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output file", Required: true})
	modelDir := parser.String("d", "modeldir", &argparse.Options{Help: "Directory holding model files", Required: false, Default: "models"})
	modelName := parser.String("m", "model", &argparse.Options{Help: "Model name", Required: false, Default: "vgg16"})
	iterations := parser.Int("n", "iterations", &argparse.Options{Help: "Number of optimization iterations per image", Required: false, Default: transfer.DefaultIterations})
	learnRate := parser.Float("", "lr", &argparse.Options{Help: "Learning rate", Required: false, Default: transfer.DefaultLearnRate})
	contentWeight := parser.Float("", "cweight", &argparse.Options{Help: "Content loss weight", Required: false, Default: float64(transfer.DefaultContentWeight)})
	styleWeight := parser.Float("", "sweight", &argparse.Options{Help: "Style loss weight", Required: false, Default: float64(transfer.DefaultStyleWeight)})
	noise := parser.Flag("", "noise", &argparse.Options{Help: "Initialize the candidate from noise instead of the content image"})
	width := parser.Int("", "width", &argparse.Options{Help: "Resize inputs to this width before stylizing (0 = native)", Required: false, Default: 0})
	height := parser.Int("", "height", &argparse.Options{Help: "Resize inputs to this height before stylizing (0 = native)", Required: false, Default: 0})
	progress := parser.String("", "progress", &argparse.Options{Help: "Write a progression GIF of the optimization to this path", Required: false, Default: ""})
	progressEvery := parser.Int("", "progressevery", &argparse.Options{Help: "Capture a progression frame every N iterations", Required: false, Default: 10})
	startFrame := parser.Int("", "startframe", &argparse.Options{Help: "GIF input: start processing at frame", Required: false, Default: 0})
	endFrame := parser.Int("", "endframe", &argparse.Options{Help: "GIF input: stop processing at frame (0 = process to end)", Required: false, Default: 0})
	skip := parser.Int("", "skip", &argparse.Options{Help: "GIF input: keep only every Nth frame", Required: false, Default: 0})
	contentThumb := parser.Flag("", "contentthumb", &argparse.Options{Help: "GIF output: paste the content frame on the bottom left"})
	styleThumb := parser.Flag("", "stylethumb", &argparse.Options{Help: "GIF output: paste the style image on the bottom left"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	cfg, tensors, err := weights.LoadModel(logger, *modelDir, *modelName)
	check(err)
	if cfg.Architecture != "vgg16" {
		check(fmt.Errorf("Unsupported architecture '%v'", cfg.Architecture))
	}
	extractor, err := vgg.NewExtractor(logger, vgg.VGG16(), tensors)
	check(err)

	params := transfer.NewParams()
	params.Iterations = *iterations
	params.LearnRate = *learnRate
	params.ContentWeight = float32(*contentWeight)
	params.StyleWeight = float32(*styleWeight)
	params.InitNoise = *noise

	styleImg, err := imgtensor.LoadImage(*style)
	check(err)
	if *width > 0 && *height > 0 {
		styleImg = imgtensor.Resize(styleImg, *width, *height)
	}

	if strings.HasSuffix(strings.ToLower(*content), ".gif") {
		anim, err := gifx.Load(*content)
		check(err)
		opt := transfer.NewGIFOptions()
		opt.StartFrame = *startFrame
		opt.EndFrame = *endFrame
		opt.Skip = *skip
		opt.OutWidth = *width
		opt.OutHeight = *height
		opt.AddContentThumb = *contentThumb
		opt.AddStyleThumb = *styleThumb
		stylized, err := transfer.StylizeGIF(logger, extractor, anim, styleImg, params, opt)
		check(err)
		check(stylized.Save(*output))
		return
	}

	contentImg, err := imgtensor.LoadImage(*content)
	check(err)
	if *width > 0 && *height > 0 {
		contentImg = imgtensor.Resize(contentImg, *width, *height)
	}
	contentT, err := imgtensor.ToTensor(contentImg)
	check(err)
	styleT, err := imgtensor.ToTensor(styleImg)
	check(err)

	progression := []*cimg.Image{contentImg}
	if *progress != "" {
		params.SnapshotEvery = *progressEvery
		params.OnSnapshot = func(iteration int, img *cimg.Image) {
			progression = append(progression, img)
		}
	}

	result, err := transfer.Optimize(logger, extractor, contentT, styleT, params)
	check(err)
	logger.Infof("Final loss %.6g after %v iterations", result.FinalLoss, params.Iterations)
	check(result.Image.WriteJPEG(*output, cimg.MakeCompressParams(cimg.Sampling444, 95, 0), 0644))

	if *progress != "" {
		progression = append(progression, result.Image)
		anim := &gifx.Animation{Frames: progression}
		check(anim.Save(*progress))
	}
}
