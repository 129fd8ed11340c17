package service

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

const (
	imageIndexKind = "image_index"
	// ImageIndexQueueName is the River queue used for image index jobs.
	ImageIndexQueueName = "image_index"
)

// ImageIndexInserter inserts index jobs (e.g. River client).
type ImageIndexInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// ImageIndexArgs is the job payload for embedding and storing one image.
// Uniqueness is by image id, path and model so repeated submissions of the same file collapse
// while the job is pending.
type ImageIndexArgs struct {
	ImageID string `json:"image_id,omitempty" river:"unique"`
	Path    string `json:"path" river:"unique"`
	Model   string `json:"model" river:"unique"`
}

// Kind returns the River job kind.
func (ImageIndexArgs) Kind() string { return imageIndexKind }

var _ river.JobArgs = ImageIndexArgs{}
