package downloader

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ErrInvalidContainer marks a file whose header matches no known container.
var ErrInvalidContainer = errors.New("invalid media container")

// Container is a media container recognized by its leading bytes.
type Container string

const (
	ContainerMP4    Container = "mp4"
	ContainerWebM   Container = "webm"
	ContainerMKV    Container = "mkv"
	ContainerMPEGTS Container = "ts"
)

// Ext returns the file extension for the container, with the leading dot.
func (c Container) Ext() string { return "." + string(c) }

// MediaType returns the Content-Type served for the container.
func (c Container) MediaType() string {
	switch c {
	case ContainerWebM:
		return "video/webm"
	case ContainerMKV:
		return "video/x-matroska"
	case ContainerMPEGTS:
		return "video/mp2t"
	}
	return "video/mp4"
}

// MediaTypeFor maps a served file name to its Content-Type.
func MediaTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webm":
		return ContainerWebM.MediaType()
	case ".mkv":
		return ContainerMKV.MediaType()
	case ".ts":
		return ContainerMPEGTS.MediaType()
	}
	return ContainerMP4.MediaType()
}

// DetectContainer identifies the file by its content; the name is ignored.
// Strategies are free to write any container to the path they are given.
func DetectContainer(path string) (Container, error) {
	header, err := readHeader(path, 512)
	if err != nil {
		return "", fmt.Errorf("read media header: %w", err)
	}
	switch {
	case len(header) >= 8 && string(header[4:8]) == "ftyp":
		if err := validateMP4(path); err != nil {
			return "", err
		}
		return ContainerMP4, nil
	case len(header) >= 4 && binary.BigEndian.Uint32(header) == ebmlMagic:
		if bytes.Contains(header, []byte("webm")) {
			return ContainerWebM, nil
		}
		return ContainerMKV, nil
	case len(header) >= 1 && header[0] == tsSync:
		if len(header) > tsPacket && header[tsPacket] != tsSync {
			return "", fmt.Errorf("%w: invalid transport stream sync", ErrInvalidContainer)
		}
		return ContainerMPEGTS, nil
	}
	return "", fmt.Errorf("%w: unrecognized header", ErrInvalidContainer)
}

// ValidateContainer reports whether the file holds a recognized container.
func ValidateContainer(path string) error {
	_, err := DetectContainer(path)
	return err
}

const (
	ebmlMagic   = 0x1A45DFA3
	tsSync      = 0x47
	tsPacket    = 188
	maxMP4Boxes = 4096
)

func readHeader(path string, size int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, size)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// validateMP4 walks the top-level boxes by their size fields, so a moov
// after a large mdat is found without reading the payload. The file must
// open with ftyp, every box must fit inside the file, and a moov or moof
// must be present.
func validateMP4(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mp4: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat mp4: %w", err)
	}
	fileSize := info.Size()

	var offset int64
	hdr := make([]byte, 16)
	hasMovie := false
	for i := 0; offset < fileSize; i++ {
		if i == maxMP4Boxes {
			return fmt.Errorf("%w: too many top-level boxes", ErrInvalidContainer)
		}
		if fileSize-offset < 8 {
			return fmt.Errorf("%w: trailing bytes at offset %d", ErrInvalidContainer, offset)
		}
		if _, err := file.ReadAt(hdr[:8], offset); err != nil {
			return fmt.Errorf("read mp4 box: %w", err)
		}
		size := int64(binary.BigEndian.Uint32(hdr[:4]))
		boxType := string(hdr[4:8])
		if i == 0 && boxType != "ftyp" {
			return fmt.Errorf("%w: missing ftyp box", ErrInvalidContainer)
		}
		if !printableBoxType(hdr[4:8]) {
			return fmt.Errorf("%w: malformed box at offset %d", ErrInvalidContainer, offset)
		}
		headerLen := int64(8)
		switch size {
		case 0:
			size = fileSize - offset
		case 1:
			if _, err := file.ReadAt(hdr[8:16], offset+8); err != nil {
				return fmt.Errorf("read mp4 box: %w", err)
			}
			size = int64(binary.BigEndian.Uint64(hdr[8:16]))
			headerLen = 16
		}
		if size < headerLen || size > fileSize-offset {
			return fmt.Errorf("%w: %s box at offset %d overruns the file", ErrInvalidContainer, boxType, offset)
		}
		if boxType == "moov" || boxType == "moof" {
			hasMovie = true
		}
		offset += size
	}
	if !hasMovie {
		return fmt.Errorf("%w: missing moov/moof atom", ErrInvalidContainer)
	}
	return nil
}

func printableBoxType(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// Prober reports whether a media file carries a video stream.
type Prober interface {
	HasVideo(ctx context.Context, path string) error
}

// FFProbe shells out to ffprobe through ffmpeg-go.
type FFProbe struct{}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (FFProbe) HasVideo(ctx context.Context, path string) error {
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := ffmpeg.Probe(path)
		done <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("ffprobe: %w", r.err)
		}
		return parseProbe(r.out)
	}
}

func parseProbe(out string) error {
	var parsed probeOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return fmt.Errorf("parsing ffprobe output: %w", err)
	}
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			return nil
		}
	}
	return fmt.Errorf("%w: no video stream", ErrInvalidContainer)
}
