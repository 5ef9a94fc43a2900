package serializer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/colsync/colsyncd/internal/model"
	"github.com/colsync/colsyncd/internal/store"
)

// ImportDirectory materializes a serialized directory into the local store
// and returns the collection ID it landed under. With existingCollectionID
// set, the collection's folders and requests are deleted and recreated;
// otherwise a new collection is inserted into workspaceID. The whole import
// runs in one transaction: a structural violation anywhere commits nothing.
func (s *Serializer) ImportDirectory(ctx context.Context, files map[string]string, existingCollectionID, workspaceID string) (string, error) {
	metaPath, err := findCollectionMeta(files)
	if err != nil {
		return "", err
	}
	rootDir := strings.TrimSuffix(metaPath, "/"+CollectionMetaFile)

	var meta collectionDoc
	if err := unmarshalDoc(metaPath, files[metaPath], &meta); err != nil {
		return "", err
	}
	if err := validateID("collection", meta.ID); err != nil {
		return "", err
	}

	collectionID := meta.ID
	if existingCollectionID != "" {
		if err := validateID("collection", existingCollectionID); err != nil {
			return "", err
		}
		collectionID = existingCollectionID
	}

	// Parse and validate the whole tree before touching the database.
	folders, requests, err := parseTree(files, rootDir, collectionID)
	if err != nil {
		return "", err
	}

	envIDs, defaultEnvID, err := s.resolveEnvironments(ctx, workspaceID, &meta)
	if err != nil {
		return "", err
	}

	variables, err := variablesFromYAML(meta.Variables)
	if err != nil {
		return "", validationErrorf("collection %s: %v", meta.ID, err)
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		existing, err := tx.Collections().FindByID(ctx, collectionID)
		if err != nil {
			return err
		}

		if existing != nil {
			if err := tx.Folders().RemoveByCollection(ctx, collectionID); err != nil {
				return err
			}
			if err := tx.Requests().RemoveByCollection(ctx, collectionID); err != nil {
				return err
			}
			existing.Name = meta.Name
			existing.Description = meta.Description
			existing.Variables = variables
			existing.EnvironmentIDs = envIDs
			existing.DefaultEnvironmentID = defaultEnvID
			if err := tx.Collections().Update(ctx, existing); err != nil {
				return err
			}
		} else {
			col := &model.Collection{
				ID:                   collectionID,
				WorkspaceID:          workspaceID,
				Name:                 meta.Name,
				Description:          meta.Description,
				Variables:            variables,
				EnvironmentIDs:       envIDs,
				DefaultEnvironmentID: defaultEnvID,
				SyncEnabled:          true,
			}
			if err := tx.Collections().Create(ctx, col); err != nil {
				return err
			}
		}

		for i := range folders {
			if err := tx.Folders().Create(ctx, &folders[i]); err != nil {
				return err
			}
		}
		for i := range requests {
			if err := tx.Requests().Create(ctx, &requests[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("import failed: %w", err)
	}

	return collectionID, nil
}

// findCollectionMeta locates the collection metadata file: the shallowest
// path ending in the reserved filename, ties broken lexically.
func findCollectionMeta(files map[string]string) (string, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		if p == CollectionMetaFile || strings.HasSuffix(p, "/"+CollectionMetaFile) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return "", validationErrorf("no %s found in directory", CollectionMetaFile)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := strings.Count(paths[i], "/"), strings.Count(paths[j], "/")
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
	return paths[0], nil
}

// parseTree walks the directory manifest-first: each level's manifest is
// read and followed in listed order, assigning fresh sibling order values
// 0..n. Depth beyond MaxDepth or any malformed ID fails the whole parse.
func parseTree(files map[string]string, rootDir, collectionID string) ([]model.Folder, []model.Request, error) {
	var folders []model.Folder
	var requests []model.Request

	stack := []frame{{dir: rootDir, folderID: "", depth: 0}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		manifestPath := fr.dir + "/" + ManifestFile
		manifestText, ok := files[manifestPath]
		if !ok {
			return nil, nil, validationErrorf("missing manifest %s", manifestPath)
		}
		var manifest manifestDoc
		if err := unmarshalDoc(manifestPath, manifestText, &manifest); err != nil {
			return nil, nil, err
		}

		for i, item := range manifest.Items {
			switch item.Type {
			case manifestTypeFolder:
				if err := validateID("folder", item.ID); err != nil {
					return nil, nil, err
				}
				if fr.depth+1 > MaxDepth {
					return nil, nil, validationErrorf("folder %s exceeds maximum nesting depth of %d", item.ID, MaxDepth)
				}

				dir := fr.dir + "/" + item.ID
				folderPath := dir + "/" + FolderMetaFile
				folderText, ok := files[folderPath]
				if !ok {
					return nil, nil, validationErrorf("missing folder metadata %s", folderPath)
				}
				var doc folderDoc
				if err := unmarshalDoc(folderPath, folderText, &doc); err != nil {
					return nil, nil, err
				}
				if doc.ID != item.ID {
					return nil, nil, validationErrorf("folder metadata %s declares id %q", folderPath, doc.ID)
				}

				folders = append(folders, model.Folder{
					ID:           item.ID,
					CollectionID: collectionID,
					ParentID:     fr.folderID,
					Name:         doc.Name,
					Description:  doc.Description,
					Order:        i,
				})
				stack = append(stack, frame{dir: dir, folderID: item.ID, depth: fr.depth + 1})

			case manifestTypeRequest:
				if err := validateID("request", item.ID); err != nil {
					return nil, nil, err
				}
				reqPath := fr.dir + "/" + item.ID + ".yaml"
				reqText, ok := files[reqPath]
				if !ok {
					return nil, nil, validationErrorf("missing request file %s", reqPath)
				}
				var doc requestDoc
				if err := unmarshalDoc(reqPath, reqText, &doc); err != nil {
					return nil, nil, err
				}
				if doc.ID != item.ID {
					return nil, nil, validationErrorf("request file %s declares id %q", reqPath, doc.ID)
				}

				req := model.Request{
					ID:           item.ID,
					CollectionID: collectionID,
					FolderID:     fr.folderID,
					Name:         doc.Name,
					Method:       doc.Method,
					URL:          doc.URL,
					Headers:      doc.Headers,
					Params:       doc.Params,
					Order:        i,
				}
				if doc.Body != nil {
					req.Body = *doc.Body
				}
				if doc.Auth != nil {
					req.Auth = *doc.Auth
				}
				if doc.Scripts != nil {
					req.Scripts = *doc.Scripts
				}
				requests = append(requests, req)

			default:
				return nil, nil, validationErrorf("manifest %s has unknown item type %q", manifestPath, item.Type)
			}
		}
	}

	return folders, requests, nil
}

// resolveEnvironments maps remote environment references onto local ones.
// Precedence is fixed: a direct ID match wins; otherwise a vault-path hint
// may remap to a local vault-synced environment; otherwise the reference is
// dropped, never invented. The default environment is rewritten through the
// same mapping and dropped if it no longer resolves.
func (s *Serializer) resolveEnvironments(ctx context.Context, workspaceID string, meta *collectionDoc) ([]string, string, error) {
	if len(meta.EnvironmentIDs) == 0 {
		return nil, "", nil
	}

	locals, err := s.store.Environments().FindByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load environments: %w", err)
	}

	byID := make(map[string]bool, len(locals))
	byVaultPath := make(map[string]string)
	for _, env := range locals {
		byID[env.ID] = true
		if env.VaultSynced && env.VaultPath != "" {
			if _, taken := byVaultPath[env.VaultPath]; !taken {
				byVaultPath[env.VaultPath] = env.ID
			}
		}
	}

	mapping := make(map[string]string)
	var resolved []string
	for _, remoteID := range meta.EnvironmentIDs {
		if byID[remoteID] {
			mapping[remoteID] = remoteID
			resolved = append(resolved, remoteID)
			continue
		}
		hint := meta.EnvironmentHints[remoteID]
		if hint == "" {
			if s.logger != nil {
				s.logger.Debug("dropping unresolvable environment reference", "environment_id", remoteID)
			}
			continue
		}
		localID, ok := byVaultPath[hint]
		if !ok {
			if s.logger != nil {
				s.logger.Debug("dropping environment reference with unmatched vault hint",
					"environment_id", remoteID, "vault_path", hint)
			}
			continue
		}
		mapping[remoteID] = localID
		resolved = append(resolved, localID)
	}

	return resolved, mapping[meta.DefaultEnvironmentID], nil
}
