// Package separation implements the splitter stage body.
//
// It runs the configured separation command (spleeter by default) against
// the queued file in a scratch directory under the stems root, converts the
// stems the model produces to mp3 and moves them into stems/<file stem>/.
// Only the stems named by splitter.stem_types are kept.
package separation
