// Package store implements the content-addressed artifact store: layer
// extraction and deduplication for OCI container images synced onto a
// target, keyed by layer hash so identical layers shared across images
// are stored once.
package store

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"encoding/json"
)

// ParseImageHash strips a ".tar.gz" or ".tar" suffix from filename,
// falling back to the bare file stem when neither suffix is present.
func ParseImageHash(filename string) string {
	if s, ok := strings.CutSuffix(filename, ".tar.gz"); ok {
		return s
	}
	if s, ok := strings.CutSuffix(filename, ".tar"); ok {
		return s
	}
	ext := filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext)
}

type manifestEntry struct {
	Layers []string `json:"Layers"`
}

// GetImageManifest shells out to tarTool to list and extract an OCI
// tarball's manifest.json, returning the first image's layer path list
// in manifest order.
func GetImageManifest(imagePath, tarTool string) ([]string, error) {
	listCmd := exec.Command(tarTool, "-tf", imagePath)
	listOut, err := listCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list tar content %s: %w", imagePath, err)
	}

	var manifestPath string
	for _, line := range strings.Split(string(listOut), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "manifest.json" || strings.HasSuffix(trimmed, "/manifest.json") {
			manifestPath = trimmed
			break
		}
	}
	if manifestPath == "" {
		return nil, fmt.Errorf("manifest.json not found in %s", imagePath)
	}

	extractCmd := exec.Command(tarTool, "-xf", imagePath, manifestPath, "-O")
	extractOut, err := extractCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to extract manifest from %s: %w", imagePath, err)
	}

	var manifest []manifestEntry
	if err := json.Unmarshal(extractOut, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest from %s: %w", imagePath, err)
	}
	if len(manifest) == 0 {
		return nil, fmt.Errorf("empty manifest in %s", imagePath)
	}

	return manifest[0].Layers, nil
}

// ExtractLayerToFlatStore extracts one layer (named layerPathInTar inside
// imagePath) into storeDir as "<layerHash>-layer.tar", skipping the
// extraction entirely if that file already exists - the layer
// deduplication repx's incremental image sync relies on.
func ExtractLayerToFlatStore(imagePath, layerPathInTar, layerHash, storeDir, tarTool string) error {
	destPath := filepath.Join(storeDir, layerHash+"-layer.tar")
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return err
	}

	tmpPath := destPath + ".tmp"
	cmd := exec.Command(tarTool, "-xf", imagePath, layerPathInTar, "-O")
	var out bytes.Buffer
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to extract layer %s from %s: %s", layerPathInTar, imagePath, stderr.String())
	}

	if err := os.WriteFile(tmpPath, out.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, destPath)
}

// LayerHashFromPath derives a layer's content-address from its path
// inside the tarball ("<hash>/layer.tar"), matching the directory naming
// convention Docker/Podman "docker save" tarballs use.
func LayerHashFromPath(layerPathInTar string) string {
	hash := filepath.Dir(layerPathInTar)
	if hash == "." {
		return layerPathInTar
	}
	return hash
}

// SyncImageIncrementally extracts every layer of the image at imagePath
// into storeCache (deduplicated by layer hash), writes a manifest.json
// recording the layer list under imagesCache/<image-hash>, and returns
// that image cache directory so the caller can symlink it into place as
// the image's current tag.
func SyncImageIncrementally(imagePath, storeCache, imagesCache, tarTool string) (string, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		// Already an exploded OCI layout; the caller symlinks it directly.
		return imagePath, nil
	}

	imageFilename := filepath.Base(imagePath)
	imageHashName := ParseImageHash(imageFilename)
	imageCacheDir := filepath.Join(imagesCache, imageHashName)

	if err := os.MkdirAll(imageCacheDir, 0755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(storeCache, 0755); err != nil {
		return "", err
	}

	layers, err := GetImageManifest(imagePath, tarTool)
	if err != nil {
		return "", err
	}

	manifestContent, err := json.Marshal([]manifestEntry{{Layers: layers}})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(imageCacheDir, "manifest.json"), manifestContent, 0644); err != nil {
		return "", err
	}

	for _, layer := range layers {
		layerHash := LayerHashFromPath(layer)

		if err := ExtractLayerToFlatStore(imagePath, layer, layerHash, storeCache, tarTool); err != nil {
			return "", err
		}

		imageLayerDir := filepath.Join(imageCacheDir, layerHash)
		if err := os.MkdirAll(imageLayerDir, 0755); err != nil {
			return "", err
		}

		flatLayerName := layerHash + "-layer.tar"
		targetLayerTar := filepath.Join(storeCache, flatLayerName)
		linkPath := filepath.Join(imageLayerDir, "layer.tar")

		_ = os.Remove(linkPath)
		if err := os.Symlink(targetLayerTar, linkPath); err != nil {
			return "", err
		}
	}

	return imageCacheDir, nil
}

// PlaceImageTag symlinks destImagePath (typically
// <target-base>/images/<tag>) at finalSource, replacing any prior
// directory or symlink there.
func PlaceImageTag(finalSource, destImagePath string) error {
	if info, err := os.Lstat(destImagePath); err == nil {
		if info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
			if err := os.RemoveAll(destImagePath); err != nil {
				return err
			}
		} else {
			_ = os.Remove(destImagePath)
		}
	}
	return os.Symlink(finalSource, destImagePath)
}
