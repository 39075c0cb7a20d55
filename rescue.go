package pgjson

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/valyala/fastrand"
	"go.uber.org/zap"
)

var rescueFilenameRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}_\d+\.chunk$`)

// rescueChunk stores a chunk that could not be written so that the rescued
// dir pusher can resubmit it later. It reports whether the chunk was stored.
func (o *Output) rescueChunk(chunk []byte) bool {
	if len(o.RescueDir) == 0 {
		return false
	}

	if err := os.MkdirAll(o.RescueDir, 0755); err != nil {
		o.log.Error("cannot create rescue dir", zap.String("dir", o.RescueDir), zap.Error(err))
		o.rescueBatchError.Inc()
		return false
	}

	timestamp := time.Now().UTC().Format("2006-01-02_15-04-05")
	filename := filepath.Join(o.RescueDir, fmt.Sprintf("%s_%d.chunk", timestamp, fastrand.Uint32()))

	o.log.Info("rescuing chunk", zap.Int("bytes", len(chunk)), zap.String("file", filename))

	// write to a temporary file and rename it so the pusher never sees a
	// partial chunk.
	tmpFilename := filename + ".tmp"
	if err := os.WriteFile(tmpFilename, chunk, 0644); err != nil {
		o.log.Error("cannot dump chunk to file", zap.String("file", tmpFilename), zap.Error(err))
		o.rescueBatchError.Inc()
		return false
	}
	if err := os.Rename(tmpFilename, filename); err != nil {
		o.log.Error("cannot rename rescued chunk", zap.String("from", tmpFilename), zap.String("to", filename), zap.Error(err))
		o.rescueBatchError.Inc()
		return false
	}

	o.rescueBatchSuccess.Inc()
	return true
}

func (o *Output) rescuedDirPusher() {
	defer o.wg.Done()

	interval := o.RescuePushInterval
	if interval == 0 {
		interval = defaultRescuePushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.pushRescuedDir()
		}
	}
}

// pushRescuedDir resubmits every rescued chunk found in RescueDir.
func (o *Output) pushRescuedDir() {
	d, err := os.Open(o.RescueDir)
	if err != nil {
		if !os.IsNotExist(err) {
			o.log.Error("cannot open rescue dir", zap.String("dir", o.RescueDir), zap.Error(err))
		}
		return
	}
	names, err := d.Readdirnames(0)
	d.Close()
	if err != nil {
		o.log.Error("cannot read rescue dir", zap.String("dir", o.RescueDir), zap.Error(err))
		return
	}

	for _, name := range names {
		select {
		case <-o.stopCh:
			return
		default:
		}
		if !rescueFilenameRegexp.MatchString(name) {
			continue
		}
		o.pushRescuedFile(filepath.Join(o.RescueDir, name))
	}
}

func (o *Output) pushRescuedFile(path string) {
	if o.skipRescuedFiles[path] {
		return
	}

	chunk, err := os.ReadFile(path)
	if err != nil {
		o.log.Error("cannot read rescued chunk", zap.String("file", path), zap.Error(err))
		return
	}

	tuples, err := DecodeChunk(chunk)
	if err != nil {
		o.pushRescueBatchError.Inc()
		o.skipRescuedFiles[path] = true
		o.log.Error("cannot decode rescued chunk", zap.String("file", path), zap.Error(err))
		return
	}

	log := o.log.With(zap.String("file", path))
	rest, err := o.writeTuples(tuples, log)
	if err != nil {
		o.pushRescueBatchError.Inc()
		log.Error("cannot write rescued chunk", zap.Error(err))
		if len(rest) < len(tuples) {
			o.replaceRescuedFile(path, rest)
		}
		return
	}

	if err := os.Remove(path); err != nil {
		o.pushRescueBatchDeleteError.Inc()
		o.skipRescuedFiles[path] = true
		o.log.Error("cannot delete rescued chunk after writing it", zap.String("file", path), zap.Error(err))
		return
	}

	o.pushRescueBatchSuccess.Inc()
	o.log.Info("pushed rescued chunk", zap.String("file", path), zap.Int("rows", len(tuples)))
}

// replaceRescuedFile rescues the remaining tuples of path as a new chunk and
// removes path, so that rows dropped from it are not submitted again.
func (o *Output) replaceRescuedFile(path string, rest []Tuple) {
	chunk, err := FormatChunk(rest)
	if err != nil {
		o.log.Error("cannot format remaining rows of rescued chunk", zap.String("file", path), zap.Error(err))
		return
	}
	if !o.rescueChunk(chunk) {
		return
	}
	if err := os.Remove(path); err != nil {
		o.pushRescueBatchDeleteError.Inc()
		o.skipRescuedFiles[path] = true
		o.log.Error("cannot delete replaced rescued chunk", zap.String("file", path), zap.Error(err))
	}
}
