/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tieubaoca/ragchat/types"
)

// uploadDocumentCmd represents the uploadDocument command
var uploadDocumentCmd = &cobra.Command{
	Use:   "upload-document",
	Short: "Ingest one local file into a pool",
	Long: `Reads a PDF, image or text file from disk and ingests it into a pool the
owner already has, exactly as an HTTP upload would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath, _ := cmd.Flags().GetString("file")
		poolID, _ := cmd.Flags().GetString("pool")
		owner, _ := cmd.Flags().GetString("owner")
		title, _ := cmd.Flags().GetString("title")
		metadata, _ := cmd.Flags().GetStringToString("metadata")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		req, err := readIngestRequest(filePath, owner, poolID, title, metadata)
		if err != nil {
			return err
		}
		result, err := a.ingest.Ingest(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func readIngestRequest(path, owner, poolID, title string, metadata map[string]string) (types.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.IngestRequest{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if title != "" {
		meta[types.META_TITLE] = title
	}

	return types.IngestRequest{
		OwnerID:  owner,
		PoolID:   poolID,
		FileName: filepath.Base(path),
		MimeType: mimeType,
		Data:     data,
		Metadata: meta,
	}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(uploadDocumentCmd)

	uploadDocumentCmd.Flags().StringP("file", "f", "", "Path to the file to upload")
	uploadDocumentCmd.Flags().StringP("pool", "p", "", "Target pool id")
	uploadDocumentCmd.Flags().StringP("owner", "o", "", "Owner id of the pool")
	uploadDocumentCmd.Flags().StringP("title", "t", "", "Document title (defaults to the file name)")
	uploadDocumentCmd.Flags().StringToStringP("metadata", "m", nil, "Extra metadata, key=value")
	uploadDocumentCmd.MarkFlagRequired("file")
	uploadDocumentCmd.MarkFlagRequired("pool")
	uploadDocumentCmd.MarkFlagRequired("owner")
}
