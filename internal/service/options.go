package service

import "time"

// BlinkCardRecognizer is the recognizer this build ships with.
const BlinkCardRecognizer = "BlinkCardRecognizer"

// Options tunes the scan service timing and the recognizers it accepts.
type Options struct {
	// Delay between a video terminal event and teardown.
	VideoTerminationDelay time.Duration
	// Delay between an image terminal event and teardown.
	ImageTerminationDelay time.Duration
	// Delay between cancelling capture and releasing the camera feed.
	FeedReleaseDelay time.Duration

	SupportedRecognizers []string
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		VideoTerminationDelay: 400 * time.Millisecond,
		ImageTerminationDelay: 500 * time.Millisecond,
		FeedReleaseDelay:      time.Millisecond,
		SupportedRecognizers:  []string{BlinkCardRecognizer},
	}
}

// WithTerminationDelays overrides the post-terminal teardown delays.
func (o Options) WithTerminationDelays(video, image time.Duration) Options {
	o.VideoTerminationDelay = video
	o.ImageTerminationDelay = image
	return o
}

// WithSupportedRecognizers replaces the accepted recognizer names.
func (o Options) WithSupportedRecognizers(names ...string) Options {
	o.SupportedRecognizers = append([]string(nil), names...)
	return o
}

func (o Options) supports(name string) bool {
	for _, n := range o.SupportedRecognizers {
		if n == name {
			return true
		}
	}
	return false
}
