package inference

import "errors"

var (
	// ErrModelNotLoaded is returned when no session exists for the category.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrPreprocess is returned when an image cannot be turned into a tensor.
	ErrPreprocess = errors.New("image preprocessing failed")
	// ErrInference is returned when the runtime fails or yields an invalid vector.
	ErrInference = errors.New("inference failed")
	// ErrBadAsset is returned when an asset file cannot be opened as a session.
	ErrBadAsset = errors.New("invalid model asset")
)

// Runtime opens inference sessions from asset files.
type Runtime interface {
	Name() string
	Open(path string, spec Spec) (Session, error)
}

// Session is one loaded model. Run receives a CHW tensor of spec.InputLen()
// values and returns one raw score per label.
type Session interface {
	Run(input []float32) ([]float32, error)
	Close() error
}
