// Package layout centralizes the working-directory contract of spec §6.2.
// Paths are configurable but their relative structure is part of the
// contract with collaborators (ASR, translation cloud worker, finalizer,
// burner) — every other package reaches the filesystem only through here.
package layout

import "path/filepath"

// Layout holds the configured root directories.
type Layout struct {
	Root string

	InboxRoot      string
	RemoteReviewGlob string
	VaultSource    string
	VaultAudio     string
	VaultData      string
	Translated     string
	Delivery       string
	Errors         string
}

// New derives every path from root using the teacher's config-driven
// "everything under one base dir" convention (internal/config/config.go's
// TempDir field), defaulting to the spec §6.2 relative layout.
func New(root string) Layout {
	return Layout{
		Root:           root,
		InboxRoot:      filepath.Join(root, "inbox"),
		RemoteReviewGlob: filepath.Join(root, "inbox", "remote_review", "*"),
		VaultSource:    filepath.Join(root, "vault", "source"),
		VaultAudio:     filepath.Join(root, "vault", "audio"),
		VaultData:      filepath.Join(root, "vault", "data"),
		Translated:     filepath.Join(root, "translated"),
		Delivery:       filepath.Join(root, "delivery"),
		Errors:         filepath.Join(root, "errors"),
	}
}

func (l Layout) SourcePath(fileStem, ext string) string {
	return filepath.Join(l.VaultSource, fileStem+ext)
}

func (l Layout) AudioPath(fileStem string) string {
	return filepath.Join(l.VaultAudio, fileStem+".wav")
}

func (l Layout) SkeletonPath(fileStem string) string {
	return filepath.Join(l.VaultData, fileStem+"_skeleton.json")
}

func (l Layout) ApprovedPath(fileStem string) string {
	return filepath.Join(l.Translated, fileStem+"_approved.json")
}

func (l Layout) DeliveryPath(fileStem, ext string) string {
	return filepath.Join(l.Delivery, fileStem+ext)
}

func (l Layout) ErrorsDir(fileStem string) string {
	return filepath.Join(l.Errors, fileStem)
}

// Dirs returns every directory that must exist before the orchestrator can
// run (cmd/orchestratord creates these with os.MkdirAll at startup, the
// teacher's config.validate pattern for TempDir).
func (l Layout) Dirs() []string {
	return []string{
		l.InboxRoot, l.VaultSource, l.VaultAudio, l.VaultData,
		l.Translated, l.Delivery, l.Errors,
	}
}
