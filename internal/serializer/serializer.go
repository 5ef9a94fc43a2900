// Package serializer converts a collection's relational subtree into a
// directory of YAML files and back. The mapping is bijective: a serialize
// followed by an import reproduces names, request fields and sibling order.
package serializer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/colsync/colsyncd/internal/model"
	"github.com/colsync/colsyncd/internal/secrets"
	"github.com/colsync/colsyncd/internal/store"
)

// Serializer reads and writes collection trees through the repository
// collaborators.
type Serializer struct {
	store   store.Store
	scanner secrets.Scanner
	logger  *slog.Logger
}

// Options alters serialization behavior.
type Options struct {
	// Sanitize redacts detected secrets before emission.
	Sanitize bool
}

// New creates a serializer. scanner may be nil if sanitize mode is never
// used.
func New(st store.Store, scanner secrets.Scanner, logger *slog.Logger) *Serializer {
	return &Serializer{store: st, scanner: scanner, logger: logger}
}

// frame is one pending directory level of the iterative traversal.
type frame struct {
	dir      string
	folderID string
	depth    int
}

// SerializeCollection emits the collection as a map of relative file paths
// to YAML text, rooted at "{collectionID}/". One metadata file for the
// collection, one manifest per directory level, one metadata file per
// folder, one file per request.
func (s *Serializer) SerializeCollection(ctx context.Context, col *model.Collection, opts Options) (map[string]string, error) {
	if err := validateID("collection", col.ID); err != nil {
		return nil, err
	}

	folders, err := s.store.Folders().FindByCollection(ctx, col.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load folders: %w", err)
	}
	requests, err := s.store.Requests().FindByCollection(ctx, col.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}

	foldersByParent := make(map[string][]model.Folder)
	for _, f := range folders {
		if err := validateID("folder", f.ID); err != nil {
			return nil, err
		}
		foldersByParent[f.ParentID] = append(foldersByParent[f.ParentID], f)
	}
	requestsByFolder := make(map[string][]model.Request)
	for _, r := range requests {
		if err := validateID("request", r.ID); err != nil {
			return nil, err
		}
		requestsByFolder[r.FolderID] = append(requestsByFolder[r.FolderID], r)
	}

	files := make(map[string]string)

	meta, err := s.buildCollectionDoc(ctx, col)
	if err != nil {
		return nil, err
	}
	metaText, err := marshalDoc(meta)
	if err != nil {
		return nil, err
	}
	files[col.ID+"/"+CollectionMetaFile] = metaText

	// Iterative worklist; the depth cap is a loop invariant rather than a
	// call-stack property.
	stack := []frame{{dir: col.ID, folderID: "", depth: 0}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		childFolders := foldersByParent[fr.folderID]
		childRequests := requestsByFolder[fr.folderID]

		manifest := buildManifest(childFolders, childRequests)
		manifestText, err := marshalDoc(manifest)
		if err != nil {
			return nil, err
		}
		files[fr.dir+"/"+ManifestFile] = manifestText

		for _, f := range childFolders {
			if fr.depth+1 > MaxDepth {
				return nil, validationErrorf("folder %s exceeds maximum nesting depth of %d", f.ID, MaxDepth)
			}
			folderText, err := marshalDoc(folderDoc{ID: f.ID, Name: f.Name, Description: f.Description})
			if err != nil {
				return nil, err
			}
			dir := fr.dir + "/" + f.ID
			files[dir+"/"+FolderMetaFile] = folderText
			stack = append(stack, frame{dir: dir, folderID: f.ID, depth: fr.depth + 1})
		}

		for _, r := range childRequests {
			text, err := marshalDoc(buildRequestDoc(r))
			if err != nil {
				return nil, err
			}
			files[fr.dir+"/"+r.ID+".yaml"] = text
		}
	}

	if opts.Sanitize {
		if s.scanner == nil {
			return nil, fmt.Errorf("sanitize requested but no secret scanner configured")
		}
		s.redact(files, s.scanner.Scan(requests, col.Variables))
	}

	return files, nil
}

// buildCollectionDoc assembles collection metadata including vault-path
// hints for referenced vault-backed environments, so another installation
// can re-resolve the same logical environment under a different local ID.
func (s *Serializer) buildCollectionDoc(ctx context.Context, col *model.Collection) (*collectionDoc, error) {
	variables, err := variablesToYAML(col.Variables)
	if err != nil {
		return nil, err
	}

	doc := &collectionDoc{
		ID:                   col.ID,
		Name:                 col.Name,
		Description:          col.Description,
		Variables:            variables,
		EnvironmentIDs:       col.EnvironmentIDs,
		DefaultEnvironmentID: col.DefaultEnvironmentID,
	}

	for _, envID := range col.EnvironmentIDs {
		env, err := s.store.Environments().FindByID(ctx, envID)
		if err != nil {
			return nil, fmt.Errorf("failed to load environment %s: %w", envID, err)
		}
		if env == nil || !env.VaultSynced || env.VaultPath == "" {
			continue
		}
		if doc.EnvironmentHints == nil {
			doc.EnvironmentHints = make(map[string]string)
		}
		doc.EnvironmentHints[envID] = env.VaultPath
	}

	return doc, nil
}

// buildManifest merges sibling folders and requests into one ordered list.
// Inputs arrive already ordered by (order, insertion); the merge keeps that
// ordering across both types.
func buildManifest(folders []model.Folder, requests []model.Request) *manifestDoc {
	type entry struct {
		item  manifestItem
		order int
	}
	entries := make([]entry, 0, len(folders)+len(requests))
	for _, f := range folders {
		entries = append(entries, entry{manifestItem{Type: manifestTypeFolder, ID: f.ID}, f.Order})
	}
	for _, r := range requests {
		entries = append(entries, entry{manifestItem{Type: manifestTypeRequest, ID: r.ID}, r.Order})
	}
	// Stable insertion merge on order.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].order < entries[j-1].order; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	doc := &manifestDoc{Items: make([]manifestItem, len(entries))}
	for i, e := range entries {
		doc.Items[i] = e.item
	}
	return doc
}

// buildRequestDoc maps a request to its document form. Form-data bodies
// have local file references stripped: file entries keep their filename but
// carry a blank value, so local paths never reach the shared repository.
func buildRequestDoc(r model.Request) *requestDoc {
	doc := &requestDoc{
		ID:      r.ID,
		Name:    r.Name,
		Method:  r.Method,
		URL:     r.URL,
		Headers: r.Headers,
		Params:  r.Params,
	}

	body := r.Body
	if body.Type == model.BodyTypeFormData && len(body.Form) > 0 {
		stripped := make([]model.FormField, len(body.Form))
		for i, f := range body.Form {
			if f.Filename != "" {
				f.Value = ""
			}
			stripped[i] = f
		}
		body.Form = stripped
	}
	if body.Type != "" || body.Content != "" || len(body.Form) > 0 {
		doc.Body = &body
	}
	if r.Auth.Type != "" || len(r.Auth.Params) > 0 {
		auth := r.Auth
		doc.Auth = &auth
	}
	if r.Scripts.PreRequest != "" || r.Scripts.PostRequest != "" {
		scripts := r.Scripts
		doc.Scripts = &scripts
	}
	return doc
}

// redact replaces every scanner match with a fixed placeholder across all
// emitted files.
func (s *Serializer) redact(files map[string]string, findings []secrets.Finding) {
	if len(findings) == 0 {
		return
	}
	if s.logger != nil {
		s.logger.Info("redacting secrets before emission", "findings", len(findings))
	}
	for path, content := range files {
		for _, f := range findings {
			if f.Match == "" {
				continue
			}
			content = strings.ReplaceAll(content, f.Match, "<redacted>")
		}
		files[path] = content
	}
}
