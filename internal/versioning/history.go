package versioning

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/repository"
)

// History returns every version in the document's chain: parent links walked
// upward from the given document, then child links downward, oldest first.
// A visited set guards against pathological cycles in stored data.
func History(ctx context.Context, docs repository.DocumentRepository, id uuid.UUID) ([]*repository.Document, error) {
	visited := make(map[uuid.UUID]bool)
	var chain []*repository.Document

	cur := id
	for !visited[cur] {
		visited[cur] = true
		doc, err := docs.GetByID(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("loading version %s: %w", cur, err)
		}
		chain = append([]*repository.Document{doc}, chain...)
		if doc.ParentVersionID == nil {
			break
		}
		cur = *doc.ParentVersionID
	}

	frontier := []uuid.UUID{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		children, err := docs.GetChildren(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("loading children of %s: %w", next, err)
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			chain = append(chain, child)
			frontier = append(frontier, child.ID)
		}
	}

	return chain, nil
}
