//go:build !nogpu

package main

import (
	"github.com/gogpu/unicam"
	"github.com/gogpu/unicam/gpu"
)

func init() {
	openGPU = func(memoryMB int) (unicam.Backend, error) {
		return gpu.New(gpu.Options{MemoryBudgetMB: memoryMB})
	}
}
