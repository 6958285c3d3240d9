package domain

import "errors"

// Constraints describe one capture attempt.
type Constraints struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
	// FacingMode selects a camera ("user" for the front camera). Empty
	// means the default device.
	FacingMode string `json:"facing_mode,omitempty"`
}

func (c Constraints) String() string {
	switch {
	case c.Video && c.FacingMode != "":
		return "video(" + c.FacingMode + ")+audio"
	case c.Video && c.Audio:
		return "audio+video"
	case c.Video:
		return "video"
	case c.Audio:
		return "audio"
	}
	return "none"
}

// ConstraintLadder is tried in order until one capture succeeds.
var ConstraintLadder = []Constraints{
	{Audio: true, Video: true},
	{Audio: true, Video: true, FacingMode: "user"},
	{Audio: true},
}

var (
	ErrMediaPermission = errors.New("media: permission denied")
	ErrMediaNotFound   = errors.New("media: device not found")
	ErrMediaBusy       = errors.New("media: device busy")
)

// MediaFailureText turns an acquisition error into the status shown to
// the user.
func MediaFailureText(err error) string {
	switch {
	case errors.Is(err, ErrMediaPermission):
		return "Camera/microphone access denied. You can continue without video."
	case errors.Is(err, ErrMediaNotFound):
		return "Camera/microphone not found. You can continue without video."
	case errors.Is(err, ErrMediaBusy):
		return "Camera/microphone is in use by another application. You can continue without video."
	}
	return "Could not access media devices. You can continue without video."
}
