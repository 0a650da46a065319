//go:build !linux

package helper

func spawn(args *ProcessArgs, f faults) (stream, error) {
	return nil, ErrUnsupported
}
