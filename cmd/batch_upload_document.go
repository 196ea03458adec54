/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/service"
	"github.com/tieubaoca/ragchat/types"
)

// batchUploadDocumentCmd represents the batchUploadDocument command
var batchUploadDocumentCmd = &cobra.Command{
	Use:   "batch-upload-document [files...]",
	Short: "Ingest many local files into a pool",
	Long: `Ingests every file given as an argument and every supported file found
under --dir. A failing file is reported and the rest continue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		poolID, _ := cmd.Flags().GetString("pool")
		owner, _ := cmd.Flags().GetString("owner")
		metadata, _ := cmd.Flags().GetStringToString("metadata")

		paths := append([]string(nil), args...)
		if dir != "" {
			found, err := collectFiles(dir)
			if err != nil {
				return err
			}
			paths = append(paths, found...)
		}
		if len(paths) == 0 {
			return fmt.Errorf("no files to upload")
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		reqs := make([]types.IngestRequest, 0, len(paths))
		for _, path := range paths {
			req, err := readIngestRequest(path, owner, poolID, "", metadata)
			if err != nil {
				zap.L().Warn("skipping file", zap.String("file", path), zap.Error(err))
				continue
			}
			reqs = append(reqs, req)
		}

		results := a.ingest.IngestBatch(cmd.Context(), reqs)
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		if err := printJSON(cmd, types.UploadResponse{Results: results}); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(paths))
		}
		return nil
	},
}

// collectFiles walks dir for PDFs, images and text files, skipping hidden entries.
func collectFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if service.IsPDF("", name) || service.IsImage("", name) || service.IsText("", name) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(batchUploadDocumentCmd)

	batchUploadDocumentCmd.Flags().StringP("dir", "d", "", "Directory to scan for documents")
	batchUploadDocumentCmd.Flags().StringP("pool", "p", "", "Target pool id")
	batchUploadDocumentCmd.Flags().StringP("owner", "o", "", "Owner id of the pool")
	batchUploadDocumentCmd.Flags().StringToStringP("metadata", "m", nil, "Metadata applied to every file, key=value")
	batchUploadDocumentCmd.MarkFlagRequired("pool")
	batchUploadDocumentCmd.MarkFlagRequired("owner")
}
