package jmrilink

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/edirooss/faderbridge/internal/throttle"
)

// MessageType is the JMRI JSON message type of throttle messages.
const MessageType = "throttle"

type message struct {
	Type string      `json:"type"`
	Data messageData `json:"data"`
}

type messageData struct {
	Address int      `json:"address"`
	Name    string   `json:"name"`
	Forward *bool    `json:"forward,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
}

// EncodeUpdate renders u as a single-line throttle message.
func EncodeUpdate(u throttle.Update) ([]byte, error) {
	return json.Marshal(message{
		Type: MessageType,
		Data: messageData{
			Address: u.Address,
			Name:    u.Name,
			Forward: u.Forward,
			Speed:   u.Speed,
		},
	})
}

// Frame is what one inbound text frame says about the throttles.
//
// Keys are collected over the whole document before anything is applied, so
// they may appear in any order and at any depth. A frame naming several
// channels applies the same speed/direction to each of them.
type Frame struct {
	Names   []string
	Speed   *float64
	Forward *bool
}

// DecodeFrame scans a JSON text frame for "name"/"throttle", "speed" and
// "forward" keys. Later occurrences of speed/forward win.
//
// A frame may carry several concatenated JSON values; they are read as one
// document. Anything after the last value that is not JSON fails the whole
// frame, and nothing from it is applied.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	for {
		if err := f.scan(dec, ""); err != nil {
			return Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		if !dec.More() {
			break
		}
	}
	if tok, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = fmt.Errorf("unexpected %v after value", tok)
		}
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (f *Frame) scan(dec *json.Decoder, key string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			for dec.More() {
				k, err := dec.Token()
				if err != nil {
					return err
				}
				name, ok := k.(string)
				if !ok {
					return errors.New("object key is not a string")
				}
				if err := f.scan(dec, name); err != nil {
					return err
				}
			}
		case '[':
			for dec.More() {
				if err := f.scan(dec, ""); err != nil {
					return err
				}
			}
		}
		// closing delimiter
		_, err := dec.Token()
		return err

	case string:
		if (key == "name" || key == "throttle") && !slices.Contains(f.Names, v) {
			f.Names = append(f.Names, v)
		}
	case bool:
		if key == "forward" {
			f.Forward = &v
		}
	case json.Number:
		if key == "speed" {
			speed, err := v.Float64()
			if err != nil {
				return fmt.Errorf("speed %q: %w", v, err)
			}
			f.Speed = &speed
		}
	}
	return nil
}

// Apply routes the frame onto the named throttles: speed first, then
// direction. Unknown names are ignored.
func (f Frame) Apply(set throttle.Set) {
	if f.Speed != nil {
		for _, name := range f.Names {
			if t := set.Lookup(name); t != nil {
				t.SetSpeed(*f.Speed)
			}
		}
	}
	if f.Forward != nil {
		for _, name := range f.Names {
			if t := set.Lookup(name); t != nil {
				t.SetForward(*f.Forward)
			}
		}
	}
}
