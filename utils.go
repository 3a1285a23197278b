package arlens

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// filesByExtInDir retuns all regular files with file extension ext found directly in directory
// dirPath. All files are returned if extension is empty.
func filesByExtInDir(dirPath, ext string) (files []string, err error) {
	// Open the directory.
	dirInfo, err := os.Stat(dirPath)
	if err != nil || !dirInfo.IsDir() {
		return nil, fmt.Errorf("cannot read directory %q: %v", dirPath, err)
	}
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to access %q: %w", dirPath, err)
	}
	defer closeWithErrCheck(dir, &err)

	// Iterate over all files in dir.
	files = make([]string, 0, 100)
	var entries []os.DirEntry
	for entries, err = dir.ReadDir(100); len(entries) > 0; entries, err = dir.ReadDir(100) {
		for _, entry := range entries {
			name := entry.Name()
			// Must be a regular file or a symlink and have the requested extension/suffix.
			mode := entry.Type()
			if (!mode.IsRegular() && mode&os.ModeSymlink == 0) || !strings.HasSuffix(name, ext) {
				continue
			}
			files = append(files, filepath.Join(dirPath, name))
		}
	}
	if err != nil && err != io.EOF {
		logger.Warnf("Failed to access some files in %q: %v", dirPath, err)
	}

	return files, nil
}

// splitPath splits the given file path into the dir name, the base name without extension and the
// extension (without the dot).
func splitPath(path string) (dir, baseNoExt, ext string, err error) {
	dir, file := filepath.Split(path)
	ext = filepath.Ext(file)
	if ext == "" {
		return "", "", "", fmt.Errorf("missing file extension in %q", path)
	}

	dir = strings.TrimSuffix(dir, string(os.PathSeparator))
	baseNoExt = file[0 : len(file)-len(ext)]
	ext = ext[1:]

	return dir, baseNoExt, ext, nil
}

// mapFileNamesToExtensions maps the base names of the given file paths, with the file type
// extensions stripped off, to the file extension (without the dot).
func mapFileNamesToExtensions(filePaths []string) map[string]string {
	mapping := make(map[string]string, len(filePaths))
	for _, path := range filePaths {
		_, baseNoExt, ext, err := splitPath(path)
		if err != nil {
			logger.Debug(err)
			continue
		}
		mapping[baseNoExt] = ext
	}

	return mapping
}

// responseParserFn parses a saved server response given the response and image file paths.
type responseParserFn func(responsePath, imagePath string) (AnnotatedFrame, error)

// parseResponsesWithOneToOneImages matches response files in responseDir, with file extension
// responseFileExt (e.g. ".json") by file name to images in imageDir (with an arbitrary file
// extension). It then invokes parse on these path pairs.
//
// Files that cannot be matched or parsed are logged and skipped.
func parseResponsesWithOneToOneImages(responseDir, responseFileExt, imageDir string,
	parse responseParserFn) ([]AnnotatedFrame, error) {

	// Get the response file paths.
	responseFiles, err := filesByExtInDir(responseDir, responseFileExt)
	if err != nil {
		return nil, err
	}
	logger.Infof("Parsing responses for %d frames", len(responseFiles))

	// Find the image files and create a map from base file name without ext to ext.
	imageFiles, err := filesByExtInDir(imageDir, "")
	if err != nil {
		return nil, err
	}
	imageNamesToExt := mapFileNamesToExtensions(imageFiles)

	data := make([]AnnotatedFrame, 0, len(responseFiles))
	for _, responsePath := range responseFiles {
		// Find the corresponding image.
		_, baseNoExt, _, err := splitPath(responsePath)
		if err != nil {
			logger.Warnf("Error while parsing, skipping %q: %v", responsePath, err)
			continue
		}
		imageExt, found := imageNamesToExt[baseNoExt]
		if !found {
			logger.Warnf("No corresponding image file, skipping %q", responsePath)
			continue
		}
		imagePath := filepath.Join(imageDir, baseNoExt+"."+imageExt)

		frame, err := parse(responsePath, imagePath)
		if err != nil {
			logger.Warnf("Error while parsing, skipping %q: %v", responsePath, err)
			continue
		}

		data = append(data, frame)
	}

	return data, nil
}

// closeWithErrCheck calls c.Close(). If it returns an error, and (*e == nil), e is set to that
// error.
func closeWithErrCheck(c io.Closer, e *error) {
	err := c.Close()
	if err != nil && *e == nil {
		*e = err
	}
}
