// Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type program struct {
	path    string
	verbose bool
}

func run(args []string) error {
	flags := pflag.NewFlagSet("csprofdump", pflag.ContinueOnError)
	verbose := flags.BoolP("verbose", "v", false, "print per-node metric vectors")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: csprofdump [-v] <file.csprof>")
	}
	prog := &program{path: flags.Arg(0), verbose: *verbose}
	return prog.run()
}

func (p *program) run() error {
	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := readHeader(f); err != nil {
		return fmt.Errorf("%s: %w", p.path, err)
	}

	metricCount, err := dumpMetrics(f)
	if err != nil {
		return err
	}
	if err := dumpEpochs(f); err != nil {
		return err
	}
	return dumpCCTSection(f, metricCount, p.verbose)
}

// readHeader duplicates the package's own validation deliberately: this
// command exists specifically to dump files without linking the rest of
// the profiler core, matching the Non-goal that symbol resolution and any
// other analysis stay out of scope.
func readHeader(r io.Reader) error {
	var magic [16]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return err
	}
	want := [16]byte{'H', 'P', 'C', '_', 'E', 'P', 'O', 'C', 'H'}
	if magic != want {
		return fmt.Errorf("bad magic")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != 1 {
		return fmt.Errorf("unsupported version %d", version)
	}
	var endian [1]byte
	if _, err := io.ReadFull(r, endian[:]); err != nil {
		return err
	}
	if endian[0] != 1 {
		return fmt.Errorf("unsupported endianness %d", endian[0])
	}
	fmt.Printf("version=%d endian=little\n", version)
	return nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func dumpMetrics(r io.Reader) (int, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, err
	}
	fmt.Printf("metrics: %d\n", count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return 0, err
		}
		var flags uint32
		var period uint64
		var kind uint8
		if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
			return 0, err
		}
		if err := binary.Read(r, binary.LittleEndian, &period); err != nil {
			return 0, err
		}
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			return 0, err
		}
		fmt.Printf("  [%d] %s flags=%#x period=%d kind=%d\n", i, name, flags, period, kind)
	}
	return int(count), nil
}

func dumpEpochs(r io.Reader) error {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	fmt.Printf("epochs: %d\n", count)
	for i := uint32(0); i < count; i++ {
		var id, modCount uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &modCount); err != nil {
			return err
		}
		fmt.Printf("  epoch %d: %d modules\n", id, modCount)
		for j := uint32(0); j < modCount; j++ {
			name, err := readString(r)
			if err != nil {
				return err
			}
			var vaddr, mapaddr, size uint64
			if err := binary.Read(r, binary.LittleEndian, &vaddr); err != nil {
				return err
			}
			if err := binary.Read(r, binary.LittleEndian, &mapaddr); err != nil {
				return err
			}
			if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
				return err
			}
			fmt.Printf("    %s vaddr=%#x mapaddr=%#x size=%d\n", name, vaddr, mapaddr, size)
		}
	}
	return nil
}

func dumpCCTSection(r io.Reader, metricCount int, verbose bool) error {
	var stateCount uint32
	if err := binary.Read(r, binary.LittleEndian, &stateCount); err != nil {
		return err
	}
	var totalTrampoline uint64
	if err := binary.Read(r, binary.LittleEndian, &totalTrampoline); err != nil {
		return err
	}
	fmt.Printf("states: %d, trampoline samples: %d\n", stateCount, totalTrampoline)

	for s := uint32(0); s < stateCount; s++ {
		var epochID uint32
		var numNodes uint64
		if err := binary.Read(r, binary.LittleEndian, &epochID); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &numNodes); err != nil {
			return err
		}
		fmt.Printf("  state %d: epoch=%d nodes=%d\n", s, epochID, numNodes)

		var chainLen uint32
		if err := binary.Read(r, binary.LittleEndian, &chainLen); err != nil {
			return err
		}
		for i := uint32(0); i < chainLen; i++ {
			var id uint32
			if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
				return err
			}
			if verbose {
				fmt.Printf("    ctxt[%d] = %d\n", i, id)
			}
		}

		for n := uint64(0); n < numNodes; n++ {
			if err := dumpNode(r, metricCount, verbose); err != nil {
				return err
			}
		}
	}
	return nil
}

func dumpNode(r io.Reader, metricCount int, verbose bool) error {
	var id, parentID uint32
	var assoc uint8
	var lenLogical, lenPhysical uint16
	var ip uint64
	var lipRef uint32
	var sp uint64
	var vecLen uint32

	for _, f := range []any{&id, &parentID} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &assoc); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &lenLogical); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &lenPhysical); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &ip); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &lipRef); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &sp); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &vecLen); err != nil {
		return err
	}
	metrics := make([]uint64, vecLen)
	for i := range metrics {
		if err := binary.Read(r, binary.LittleEndian, &metrics[i]); err != nil {
			return err
		}
	}

	if verbose {
		fmt.Printf("    node %d parent=%d ip=%#x sp=%#x assoc=%d metrics=%v\n",
			id, parentID, ip, sp, assoc, metrics)
	}
	return nil
}
