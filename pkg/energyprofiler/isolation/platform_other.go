//go:build !linux

package isolation

import "errors"

var errUnsupported = errors.New("cpu isolation is only supported on linux")

type unsupportedPlatform struct{}

func newPlatform() platform { return unsupportedPlatform{} }

func (unsupportedPlatform) Supported() bool                      { return false }
func (unsupportedPlatform) OnlineCPUs() ([]int, error)           { return nil, errUnsupported }
func (unsupportedPlatform) SelfAffinity() ([]int, error)         { return nil, errUnsupported }
func (unsupportedPlatform) Threads(int) ([]int, error)           { return nil, errUnsupported }
func (unsupportedPlatform) GetAffinity(int) ([]int, error)       { return nil, errUnsupported }
func (unsupportedPlatform) SetAffinity(int, []int) error         { return errUnsupported }
func (unsupportedPlatform) GetNice(int) (int, error)             { return 0, errUnsupported }
func (unsupportedPlatform) SetNice(int, int) error               { return errUnsupported }
func (unsupportedPlatform) IdleRatios() (map[int]float64, error) { return nil, errUnsupported }
