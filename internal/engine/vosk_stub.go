//go:build !vosk

package engine

func NewVosk() (Engine, error) {
	return nil, ErrVoskUnavailable
}
