package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"stemflow/internal/services"
	"stemflow/internal/streams"
)

// Message field names shared by every stream.
const (
	FieldFilename         = "filename"
	FieldTrackingID       = "tracking_id"
	FieldStableID         = "stable_id"
	FieldTimestamp        = "timestamp"
	FieldJobID            = "job_id"
	FieldOriginalFilename = "original_filename"
	FieldOriginalPath     = "original_path"
	FieldCollectionType   = "collection_type"
	FieldCollectionName   = "collection_name"
	FieldTrackNumber      = "track_number"
	FieldTitle            = "title"
	FieldArtist           = "artist"
	FieldAlbum            = "album"
	FieldCoverArtPath     = "cover_art_path"
	FieldMetadataPath     = "metadata_path"
	FieldStemsDir         = "stems_dir"
	FieldStems            = "stems"
	FieldOutputPath       = "output_path"
	FieldArchiveURL       = "archive_url"
)

// Envelope is the validated view of a message consumed by a stage worker.
type Envelope struct {
	Filename   string `validate:"required,max=512,excludesall=/\\"`
	TrackingID string `validate:"omitempty,max=128"`
	StableID   string `validate:"omitempty,max=128"`
	Timestamp  string
	// OutputPath is required on the terminal stream only.
	OutputPath string
	// Fields keeps every raw field so optional ones pass downstream.
	Fields map[string]string `validate:"-"`
}

type completion struct {
	OutputPath string `validate:"required"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Decode validates fields read from stream. Any failure is a poison error:
// retrying the same message can never succeed.
func Decode(stream string, fields map[string]string) (Envelope, error) {
	env := Envelope{
		Filename:   strings.TrimSpace(fields[FieldFilename]),
		TrackingID: strings.TrimSpace(fields[FieldTrackingID]),
		StableID:   strings.TrimSpace(fields[FieldStableID]),
		Timestamp:  fields[FieldTimestamp],
		OutputPath: strings.TrimSpace(fields[FieldOutputPath]),
		Fields:     maps.Clone(fields),
	}
	if env.Fields == nil {
		env.Fields = map[string]string{}
	}
	if err := validatorInstance().Struct(env); err != nil {
		return Envelope{}, poison(stream, err)
	}
	// Messages without a tracking_id fall back to the filename stem; a name
	// like ".mp3" leaves nothing to key job state on.
	if env.Identity() == "" {
		return Envelope{}, services.Wrap(services.ErrPoison, "", "decode",
			fmt.Sprintf("%s: no tracking_id and filename %q yields an empty identity", stream, env.Filename), nil)
	}
	if stream == streams.Packaged {
		if err := validatorInstance().Struct(completion{OutputPath: env.OutputPath}); err != nil {
			return Envelope{}, poison(stream, err)
		}
	}
	return env, nil
}

func poison(stream string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fieldName(fe.Field()), fe.Tag()))
		}
		return services.Wrap(services.ErrPoison, "", "decode", stream+": "+strings.Join(parts, ", "), nil)
	}
	return services.Wrap(services.ErrPoison, "", "decode", stream, err)
}

func fieldName(structField string) string {
	switch structField {
	case "Filename":
		return FieldFilename
	case "TrackingID":
		return FieldTrackingID
	case "StableID":
		return FieldStableID
	case "OutputPath":
		return FieldOutputPath
	default:
		return strings.ToLower(structField)
	}
}

// Identity returns the tracking identity of the envelope.
func (e Envelope) Identity() string {
	return TrackingID(e.Fields)
}

// Handoff builds the downstream message. Upstream fields pass through,
// overrides win over them, and the reserved fields are always set.
func Handoff(env Envelope, trackingID string, overrides map[string]string, now time.Time) map[string]string {
	out := make(map[string]string, len(env.Fields)+len(overrides)+3)
	for k, v := range env.Fields {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	if out[FieldFilename] == "" {
		out[FieldFilename] = env.Filename
	}
	out[FieldTrackingID] = trackingID
	out[FieldTimestamp] = FormatTimestamp(now)
	return out
}

// FormatTimestamp renders t as fractional unix seconds.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64)
}
