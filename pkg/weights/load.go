package weights

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"gorgonia.org/tensor"
)

// BaseURL is where model files are fetched from when they are not on disk
var BaseURL = "https://models.cyclopcam.org/styletransfer"

// ModelConfig is saved in a JSON file along with the weights of the feature extractor
type ModelConfig struct {
	Architecture string `json:"architecture"` // eg "vgg16"
	Width        int    `json:"width"`        // Input width the backbone was trained at, eg 300
	Height       int    `json:"height"`       // Input height the backbone was trained at, eg 300
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("Failed to parse model config %v: %w", filename, err)
	}
	return config, nil
}

// If the model files are not yet downloaded, then download them now.
// Returns immediately if the files are already downloaded.
func DownloadModel(log logs.Log, modelDir, modelName string) error {
	for _, ext := range []string{".json", ".safetensors"} {
		diskPath := filepath.Join(modelDir, modelName+ext)
		networkUrl := BaseURL + "/" + modelName + ext
		if _, err := os.Stat(diskPath); os.IsNotExist(err) {
			log.Infof("Downloading %v to %v", networkUrl, diskPath)
			if err := downloadFile(networkUrl, diskPath); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

// LoadModel loads a feature extractor's config and weight tensors from disk,
// downloading them first if necessary.
// modelName is the base filename, without the extensions (eg "vgg16").
func LoadModel(log logs.Log, modelDir, modelName string) (*ModelConfig, map[string]*tensor.Dense, error) {
	if err := DownloadModel(log, modelDir, modelName); err != nil {
		return nil, nil, fmt.Errorf("Download failed: %w", err)
	}
	config, err := LoadModelConfig(filepath.Join(modelDir, modelName+".json"))
	if err != nil {
		return nil, nil, err
	}
	tensors, err := ReadSafetensors(filepath.Join(modelDir, modelName+".safetensors"))
	if err != nil {
		return nil, nil, err
	}
	log.Infof("Loaded %v tensors for model %v", len(tensors), modelName)
	return config, tensors, nil
}

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}
