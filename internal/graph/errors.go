package graph

import (
	"fmt"

	xerrors "DefiFlow/internal/errors"
)

func errNodeNotFound(id string) error {
	return xerrors.New(xerrors.CodeGraphNodeNotFound, fmt.Sprintf("node %s not found", id), xerrors.WithMetadata("node_id", id))
}

func errInvalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeGraphInvalid, fmt.Sprintf(format, args...))
}

func errCycle(source, target string) error {
	return xerrors.New(xerrors.CodeGraphCycle, fmt.Sprintf("connecting %s to %s would create a cycle", source, target),
		xerrors.WithMetadata("source", source), xerrors.WithMetadata("target", target))
}

func errDuplicate(source, target string) error {
	return xerrors.New(xerrors.CodeGraphDuplicateEdge, fmt.Sprintf("%s is already connected to %s", source, target),
		xerrors.WithMetadata("source", source), xerrors.WithMetadata("target", target))
}
