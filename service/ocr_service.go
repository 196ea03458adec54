package service

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/types"
	"github.com/tieubaoca/ragchat/utils"
)

const DefaultOCRLanguages = "vie+rus+eng"

// OCRService extracts page text from PDFs and images.
type OCRService interface {
	Extract(ctx context.Context, fileName, mimeType string, data []byte) (*types.OCRResult, error)
}

// CommandOCR shells out to poppler (pdfinfo, pdftotext, pdftoppm) and
// tesseract. Pages with a text layer skip OCR.
type CommandOCR struct {
	languages string
	tempDir   string
}

func NewCommandOCR(languages, tempDir string) *CommandOCR {
	if languages == "" {
		languages = DefaultOCRLanguages
	}
	return &CommandOCR{languages: languages, tempDir: tempDir}
}

func (s *CommandOCR) Extract(ctx context.Context, fileName, mimeType string, data []byte) (*types.OCRResult, error) {
	dir, err := os.MkdirTemp(s.tempDir, "ocr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, utils.SanitizeFileName(fileName))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}

	if IsImage(mimeType, fileName) {
		text, err := s.tesseract(ctx, path)
		if err != nil {
			return nil, types.Upstream("OCR", err)
		}
		return &types.OCRResult{
			Pages:        []types.PageText{{Number: 1, Text: text, ImageDerived: true}},
			ImageDerived: true,
		}, nil
	}

	totalPages, err := getNumPages(ctx, path)
	if err != nil {
		return nil, types.Upstream("OCR", err)
	}
	result := &types.OCRResult{ImageDerived: true}
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		text, imageDerived, err := s.extractPage(ctx, dir, path, pageNum)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zap.L().Warn("failed to extract page", zap.String("file", fileName), zap.Int("page", pageNum), zap.Error(err))
			continue
		}
		result.Pages = append(result.Pages, types.PageText{Number: pageNum, Text: text, ImageDerived: imageDerived})
		result.ImageDerived = result.ImageDerived && imageDerived
	}
	if len(result.Pages) == 0 {
		return nil, types.Upstream("OCR", fmt.Errorf("no text extracted from %d pages", totalPages))
	}
	return result, nil
}

// extractPage tries the text layer first and falls back to OCR; the bool
// reports whether the fallback ran.
func (s *CommandOCR) extractPage(ctx context.Context, dir, pdfPath string, pageNum int) (string, bool, error) {
	text, err := pdftotext(ctx, pdfPath, pageNum)
	if err == nil && text != "" {
		return text, false, nil
	}

	prefix := filepath.Join(dir, "page-"+strconv.Itoa(pageNum))
	page := strconv.Itoa(pageNum)
	convert := exec.CommandContext(ctx, "pdftoppm", "-f", page, "-l", page, "-png", pdfPath, prefix)
	if err := convert.Run(); err != nil {
		return "", false, fmt.Errorf("error converting page %d to image: %w", pageNum, err)
	}
	images, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(images) == 0 {
		return "", false, fmt.Errorf("no image rendered for page %d", pageNum)
	}
	defer func() {
		for _, img := range images {
			os.Remove(img)
		}
	}()
	text, err = s.tesseract(ctx, images[0])
	return text, true, err
}

func (s *CommandOCR) tesseract(ctx context.Context, imagePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "tesseract",
		imagePath,
		"stdout",
		"-l", s.languages,
		"--oem", "3",
		"--psm", "3",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to run tesseract: %w", err)
	}
	text := CleanExtractedText(out.String())
	if text == "" {
		return "", fmt.Errorf("tesseract found no text")
	}
	return text, nil
}

func pdftotext(ctx context.Context, path string, pageNum int) (string, error) {
	page := strconv.Itoa(pageNum)
	cmd := exec.CommandContext(ctx, "pdftotext", "-f", page, "-l", page, "-enc", "UTF-8", "-nopgbrk", path, "-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("error executing pdftotext for page %d: %w", pageNum, err)
	}
	return CleanExtractedText(out.String()), nil
}

func getNumPages(ctx context.Context, pdfPath string) (int, error) {
	cmd := exec.CommandContext(ctx, "pdfinfo", pdfPath)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("error running pdfinfo: %w", err)
	}
	return parsePageCount(out.String())
}

var pagesPattern = regexp.MustCompile(`^Pages:\s+(\d+)`)

func parsePageCount(info string) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		if matches := pagesPattern.FindStringSubmatch(scanner.Text()); len(matches) == 2 {
			return strconv.Atoi(matches[1])
		}
	}
	return 0, fmt.Errorf("unable to determine page count from pdfinfo")
}

var extractionReplacer = strings.NewReplacer(
	"\f", "\n",
	"\u00a0", " ",
	"\uf8ff", "",
	"\u2021", "",
	"\u2020", "",
)

var repeatedSpaces = regexp.MustCompile(`[ \t]{2,}`)

// CleanExtractedText normalizes text produced by pdftotext or tesseract.
func CleanExtractedText(text string) string {
	cleaned := utils.StripControlChars(extractionReplacer.Replace(text))
	cleaned = repeatedSpaces.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

func IsPDF(mimeType, fileName string) bool {
	return mimeType == "application/pdf" || strings.EqualFold(filepath.Ext(fileName), ".pdf")
}

func IsImage(mimeType, fileName string) bool {
	if strings.HasPrefix(mimeType, "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".gif", ".webp":
		return true
	}
	return false
}

func IsText(mimeType, fileName string) bool {
	if strings.HasPrefix(mimeType, "text/") || mimeType == "application/json" {
		return true
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".txt", ".md", ".markdown", ".csv", ".json", ".html", ".htm", ".xml", ".log":
		return true
	}
	return false
}
