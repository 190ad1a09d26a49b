// Package metadata turns remote audio files into library tracks.
//
// A [Processor] downloads a file (or only its header), writes it into a scoped temporary
// directory, reads tags and stream properties through an [Extractor], and merges the result
// into the track table. Temporary files never outlive the call that created them.
package metadata
