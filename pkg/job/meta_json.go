package job

import "encoding/json"

// metaAlias exists so MarshalJSON/UnmarshalJSON can delegate field-by-field
// encoding to the standard library without recursing into themselves.
type metaAlias Meta

// MarshalJSON re-emits the typed fields and merges Extra's unknown keys
// back in at the top level, preserving collaborator-owned fields untouched
// (spec §9: "preserve unknown keys on write").
func (m Meta) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(metaAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return typed, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(typed, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// knownMetaKeys lists every tagged field of Meta so UnmarshalJSON can route
// anything else into Extra instead of silently discarding it.
var knownMetaKeys = map[string]bool{
	"stage_timeline": true, "status_timeline": true, "error_log": true,
	"source_path": true, "original_filename": true,
	"cloud_job_id": true, "cloud_bucket": true, "cloud_prefix": true,
	"cloud_execution_id": true, "cloud_progress": true, "cloud_stall_count": true,
	"stage_stall_counts": true, "stage_retry_counts": true,
	"halted": true, "prior_stage": true,
	"review_required": true, "review_required_locked_by_operator": true,
	"final_output_path": true, "burn_attempt": true, "dead_reason": true,
}

// UnmarshalJSON decodes the typed fields and stashes anything unrecognized
// into Extra, validating on read (spec §9) rather than rejecting the
// record outright — an unknown collaborator field must never corrupt a job.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var alias metaAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*m = Meta(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownMetaKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		m.Extra = extra
	}
	return nil
}
