// Package types defines the shared types used across all Parrot packages.
//
// These types form the lingua franca between the persistence store, the API
// gateway, the process supervisor, and the application controller. Each
// package defines its own internal types, but cross-cutting data structures
// live here to avoid circular imports.
package types

// Mode selects the generation strategy for a synthesis request.
type Mode string

const (
	// ModeQuick is cross-lingual generation. No reference transcript is
	// needed; the server infers everything from the reference audio.
	ModeQuick Mode = "quick"

	// ModeLanguageControl is instruction-guided generation. The request
	// carries a free-text instruction steering tone, emotion, or dialect.
	ModeLanguageControl Mode = "language_control"

	// ModeZeroShot is precision voice cloning. The request carries the
	// transcript of the reference audio.
	ModeZeroShot Mode = "zero_shot"
)

// IsValid reports whether m is a recognised generation mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeQuick, ModeLanguageControl, ModeZeroShot:
		return true
	}
	return false
}

// Role is a reusable reference-voice definition: an audio sample plus an
// optional transcript and description. Roles are owned by the store; callers
// hold transient read-only copies returned from queries.
type Role struct {
	// ID is store-assigned and immutable once set. Zero means "not yet
	// persisted".
	ID int64

	// Name is the display name. Required at creation. The store does not
	// enforce uniqueness — see store.FindRoleByName for the consequences.
	Name string

	// Description is free text shown in list views.
	Description string

	// File is the path or URL of the reference audio. Required at creation.
	File string

	// SpeakerText is the transcript of the reference audio, used by
	// ModeZeroShot. Optional.
	SpeakerText string
}

// HistoryRecord is an immutable log entry of one completed audio generation.
// Records are created after a definitive success response and never updated,
// only deleted.
type HistoryRecord struct {
	// ID is store-assigned and immutable once set.
	ID int64

	// Text is the input text that was synthesised. Required.
	Text string

	// Speaker is the name of the role that was used. Required.
	Speaker string

	// Reference is the path or URL of the reference audio used. Required.
	Reference string

	// FilePath points at the produced audio on disk. Required. Deleting
	// the record optionally deletes this file, best-effort.
	FilePath string

	// Speed is the playback speed factor sent to the server. Defaults to 1.0.
	Speed float64

	// Mode is the generation strategy this record was produced with.
	Mode Mode

	// Instruction is populated only when Mode is ModeLanguageControl.
	Instruction string

	// SpeakerText is populated only when Mode is ModeZeroShot.
	SpeakerText string

	// Timestamp is the creation time in "2006-01-02 15:04:05" form. Set by
	// the store at insertion when absent. The string form is an on-disk
	// contract shared with existing databases.
	Timestamp string
}

// TimestampLayout is the time layout used for HistoryRecord.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// GenerationRequest carries the UI-supplied parameters of one synthesis call
// into the gateway. Mode-dependent fields are only sent on the wire when the
// mode selects them, so a mismatched combination cannot leave the process.
type GenerationRequest struct {
	// Text is the text to synthesise. Required.
	Text string

	// Speed is the playback speed factor. Zero is normalised to 1.0.
	Speed float64

	// Mode selects the generation strategy. Zero value is normalised to
	// ModeQuick.
	Mode Mode

	// Instruction steers generation when Mode is ModeLanguageControl.
	Instruction string

	// SpeakerText is the reference transcript when Mode is ModeZeroShot.
	SpeakerText string

	// PromptPath is the path or URL of the reference audio, when present.
	PromptPath string
}

// Progress is one incremental progress report received while a generation is
// in flight. Either field may be absent depending on what the server sent.
type Progress struct {
	// Percent is the numeric progress value, 0–100, or -1 when the server
	// sent a text-only update.
	Percent float64

	// Text is a preformatted human-readable progress string. May be empty.
	Text string
}
