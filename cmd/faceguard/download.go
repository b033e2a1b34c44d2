package main

import (
	"compress/bzip2"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// dlibModels are fetched when the dlib backend is selected.
var dlibModels = map[string]string{
	"shape_predictor_5_face_landmarks.dat":      "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
	"dlib_face_recognition_resnet_model_v1.dat": "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
	"mmod_human_face_detector.dat":              "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
}

func cmdDownloadModels(args []string) error {
	modelDir := cfg.Models.Dir
	if len(args) > 0 {
		modelDir = args[0]
	}

	sources := make(map[string]string, len(cfg.Models.Sources))
	for name, url := range cfg.Models.Sources {
		sources[name] = url
	}
	if cfg.Detection.Backend == "dlib" || cfg.Detection.EnrollmentBackend == "dlib" || cfg.Embedding.Backend == "dlib" {
		for name, url := range dlibModels {
			if _, ok := sources[name]; !ok {
				sources[name] = url
			}
		}
	}

	return downloadModels(modelDir, sources, &http.Client{Timeout: 10 * time.Minute})
}

// downloadModels fetches every missing file in sources into dir.
func downloadModels(dir string, sources map[string]string, client *http.Client) error {
	logging.Infof("Downloading models to: %s", dir)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		targetPath := filepath.Join(dir, name)
		if _, err := os.Stat(targetPath); err == nil {
			logging.Infof("Model %s already exists, skipping", name)
			continue
		}

		logging.Infof("Downloading %s...", name)
		if err := downloadFile(client, sources[name], targetPath); err != nil {
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
		logging.Infof("Successfully downloaded %s", name)
	}

	logging.Infof("All models downloaded successfully!")
	return nil
}

// downloadFile writes url to targetPath, decompressing .bz2 sources. The
// file only appears once the download completes.
func downloadFile(client *http.Client, url, targetPath string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	tmp := targetPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var src io.Reader = resp.Body
	if strings.HasSuffix(url, ".bz2") {
		src = bzip2.NewReader(resp.Body)
	}

	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, targetPath)
}
