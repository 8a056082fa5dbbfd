package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"procurement-kb/backend/go/internal/kb/dal"
	"procurement-kb/backend/go/internal/kb/embedsync"
	"procurement-kb/backend/go/internal/models"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// documentFile 是 `ingest` 接受的 JSON 格式。
type documentFile struct {
	DocumentID string                 `json:"document_id"`
	Title      string                 `json:"title"`
	SourceType string                 `json:"source_type"`
	SourcePath string                 `json:"source_path"`
	Metadata   map[string]interface{} `json:"metadata"`
	Fragments  []struct {
		ChunkID     string                 `json:"chunk_id"`
		SectionType string                 `json:"section_type"`
		Content     string                 `json:"content"`
		PageNumber  *int                   `json:"page_number"`
		Citations   map[string]interface{} `json:"citations"`
		Metadata    map[string]interface{} `json:"metadata"`
	} `json:"fragments"`
}

// toModels 把文件内容转换成可以直接写入内容存储的记录。
func (f *documentFile) toModels() (*models.Document, []*models.Fragment, error) {
	if f.DocumentID == "" {
		return nil, nil, fmt.Errorf("document_id is required")
	}
	doc := &models.Document{DocumentID: f.DocumentID, Title: f.Title, SourceType: f.SourceType, SourcePath: f.SourcePath}
	if err := doc.SetMetadata(f.Metadata); err != nil {
		return nil, nil, err
	}
	frags := make([]*models.Fragment, 0, len(f.Fragments))
	for _, in := range f.Fragments {
		frag := &models.Fragment{ChunkID: in.ChunkID, SectionType: in.SectionType, Content: in.Content, PageNumber: in.PageNumber}
		if err := frag.SetCitations(in.Citations); err != nil {
			return nil, nil, err
		}
		if err := frag.SetMetadata(in.Metadata); err != nil {
			return nil, nil, err
		}
		frags = append(frags, frag)
	}
	return doc, frags, nil
}

// readDocumentFile 读取 path 指向的文档，"-" 表示标准输入。
func readDocumentFile(path string) (*documentFile, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var doc documentFile
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &doc, nil
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var invalidateVectors bool
	cmd := &cobra.Command{
		Use:   "ingest [file.json|-]",
		Short: "Upsert a document and replace its fragments",
		Long: `Reads one document with its ordered fragments as JSON, upserts the document and
replaces all of its fragments in a single transaction. Fragments whose content
changed or that were removed lose their vector so the next sync-embeddings run
re-embeds them (disable with --invalidate=false).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := readDocumentFile(args[0])
			if err != nil {
				return err
			}
			doc, frags, err := file.toModels()
			if err != nil {
				return err
			}

			a, err := setup(opts, "ingest")
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			store := dal.NewContentStore()
			var result *dal.ReplaceResult
			err = a.engine.Transactional(ctx, func(tx *gorm.DB) error {
				if _, err := store.UpsertDocument(tx, doc); err != nil {
					return err
				}
				result, err = store.ReplaceFragments(tx, doc.DocumentID, frags)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d fragments, %d changed, %d removed\n",
				doc.DocumentID, len(frags), len(result.Changed), len(result.Removed))

			if !invalidateVectors {
				return nil
			}
			return invalidate(ctx, a, append(result.Changed, result.Removed...))
		},
	}
	cmd.Flags().BoolVar(&invalidateVectors, "invalidate", true, "drop vectors of changed or removed fragments")
	return cmd
}

func newDeleteDocumentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-document [document-id]",
		Short: "Delete a document, its fragments and their vectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts, "delete-document")
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			store := dal.NewContentStore()
			var chunkIDs []string
			err = a.engine.Transactional(ctx, func(tx *gorm.DB) error {
				frags, err := store.ListFragments(tx, args[0])
				if err != nil {
					return err
				}
				for _, f := range frags {
					chunkIDs = append(chunkIDs, f.ChunkID)
				}
				return store.DeleteDocument(tx, args[0])
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted with %d fragments\n", args[0], len(chunkIDs))
			return invalidate(ctx, a, chunkIDs)
		},
	}
}

// invalidate 从向量索引中删除 chunkIDs 对应的向量，下一次 sync-embeddings 会重新嵌入它们。
func invalidate(ctx context.Context, a *app, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	index, err := openIndex(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := index.close(); err != nil {
			a.log.WithErr(err).Warn("close vector index failed")
		}
	}()
	return embedsync.New(a.engine, dal.NewContentStore(), index, nil).Invalidate(ctx, chunkIDs)
}
