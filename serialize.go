package csprof

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/exp/slices"
)

// fileMagic and fileVersion identify the on-disk format of §4.8. A reader
// encountering any mismatch must reject the file outright.
var fileMagic = [16]byte{'H', 'P', 'C', '_', 'E', 'P', 'O', 'C', 'H'}

const (
	fileVersion  uint16 = 1
	endianLittle byte   = 1
)

// ProfileFilename builds the §4.8 filename convention. tid is omitted
// (along with its separating dash) when includeTID is false, matching the
// "one profile per process" case.
func ProfileFilename(outPath string, hostID, pid uint64, tid uint64, includeTID bool) string {
	name := fmt.Sprintf("cstrace-%x-%x", hostID, pid)
	if includeTID {
		name += fmt.Sprintf("-%d", tid)
	}
	return filepath.Join(outPath, name+".csprof")
}

// WriteProfile serializes one thread's CCT, its creation-context chain, and
// the process-wide metric/epoch tables, refusing to overwrite an existing
// file (KindFileExists).
func WriteProfile(path string, metrics *MetricTable, epochs *EpochRegistry, state *ThreadState) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return faultf(KindFileExists, err, "%s", path)
		}
		return faultf(KindBadUnwind, err, "open %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeProfile(w, metrics, epochs, []*ThreadState{state}); err != nil {
		return err
	}
	return w.Flush()
}

func writeProfile(w io.Writer, metrics *MetricTable, epochs *EpochRegistry, states []*ThreadState) error {
	if _, err := w.Write(fileMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, fileVersion); err != nil {
		return err
	}
	if _, err := w.Write([]byte{endianLittle}); err != nil {
		return err
	}

	if err := writeMetricDescriptors(w, metrics.Descriptors()); err != nil {
		return err
	}
	if err := writeEpochTable(w, epochs.All()); err != nil {
		return err
	}
	return writeCCTSection(w, states)
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeMetricDescriptors(w io.Writer, descs []MetricDescriptor) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(descs))); err != nil {
		return err
	}
	for _, d := range descs {
		if err := writeString(w, d.Name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(d.Flags)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, d.Period); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(d.Kind)); err != nil {
			return err
		}
	}
	return nil
}

func writeEpochTable(w io.Writer, epochs []*Epoch) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(epochs))); err != nil {
		return err
	}
	for _, e := range epochs {
		if err := binary.Write(w, binary.LittleEndian, e.ID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Modules))); err != nil {
			return err
		}
		for _, m := range e.Modules {
			if err := writeString(w, m.Name); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, m.PreferredVAddr); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, m.ActualMapAddr); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, m.Size); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeCCTSection(w io.Writer, states []*ThreadState) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(states))); err != nil {
		return err
	}
	var totalTrampoline uint64
	for _, st := range states {
		totalTrampoline += st.TrampolineSamples
	}
	if err := binary.Write(w, binary.LittleEndian, totalTrampoline); err != nil {
		return err
	}

	for _, st := range states {
		epochID := uint32(0)
		if st.Epoch != nil {
			epochID = st.Epoch.ID
		}
		if err := binary.Write(w, binary.LittleEndian, epochID); err != nil {
			return err
		}

		// Dense IDs (§4.6.4) are required on disk, so both id references
		// below use this map instead of the sparse in-memory persistent
		// ID, and chaff pruning (Testable Property 5) happens before the
		// node count is written, so the count matches what writeTree
		// actually emits.
		denseIDs := AssignDenseIDs(st.CSData.Root, st.CSData.Ctxt)
		anchor := serializationAnchor(st.CSData)
		survive := pruneChaff(anchor)
		var count uint64
		for _, ok := range survive {
			if ok {
				count++
			}
		}

		if err := binary.Write(w, binary.LittleEndian, count); err != nil {
			return err
		}
		if err := writeCtxtChain(w, st.CSData.Ctxt, denseIDs); err != nil {
			return err
		}
		if err := writeTree(w, st.CSData, denseIDs, survive); err != nil {
			return err
		}
	}
	return nil
}

// writeCtxtChain writes the chain post-order (root-most entry last), per
// §3.6: the reader rebuilds it by pushing entries onto a stack as it reads.
func writeCtxtChain(w io.Writer, chain *CtxtChain, denseIDs map[*Node]uint32) error {
	var entries []*Node
	for c := chain; c != nil; c = c.Parent {
		entries = append(entries, c.Node)
	}
	// entries is currently leaf-to-root; post-order (root-most last) means
	// emitting it in the order already collected reversed once more would
	// put root first, so root-most-last is simply this leaf-to-root order
	// as collected.
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, n := range entries {
		if err := binary.Write(w, binary.LittleEndian, denseIDs[n]); err != nil {
			return err
		}
	}
	return nil
}

// serializationAnchor returns the node writeTree actually starts from,
// eliding the top two levels beneath the synthetic root when a ctxt chain
// is present, matching §4.8's "the thread-bootstrap frames that belong to
// the host runtime" rule.
func serializationAnchor(t *CCT) *Node {
	skip := 0
	if t.Ctxt != nil {
		skip = 2
	}
	root := t.Root
	for i := 0; i < skip && root.FirstChild != nil; i++ {
		root = root.FirstChild
	}
	return root
}

// writeTree emits the CCT in preorder starting at its serialization anchor,
// using denseIDs for every id/parentID/lipRef field (§4.6.4) and survive to
// drop chaff leaves entirely rather than writing them (Testable Property 5).
func writeTree(w io.Writer, t *CCT, denseIDs map[*Node]uint32, survive map[*Node]bool) error {
	root := serializationAnchor(t)

	var walk func(n *Node, parentID uint32) error
	walk = func(n *Node, parentID uint32) error {
		id := denseIDs[n]
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, parentID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(n.AsInfo.Assoc)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, n.AsInfo.LenLogical); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, n.AsInfo.LenPhysical); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, n.IP); err != nil {
			return err
		}
		lipRef := uint32(0)
		if len(n.LIP) > 0 {
			lipRef = id
		}
		if err := binary.Write(w, binary.LittleEndian, lipRef); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, n.SP); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(n.Metrics))); err != nil {
			return err
		}
		for _, m := range n.Metrics {
			if err := binary.Write(w, binary.LittleEndian, m); err != nil {
				return err
			}
		}

		children := make([]*Node, 0, 4)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if survive[c] {
				children = append(children, c)
			}
		}
		slices.SortFunc(children, func(a, b *Node) bool {
			aip, aas, alip, aid := preorderKey(a)
			bip, bas, blip, bid := preorderKey(b)
			if aip != bip {
				return aip < bip
			}
			if aas != bas {
				return aas < bas
			}
			if alip != blip {
				return alip < blip
			}
			return aid < bid
		})
		for _, c := range children {
			if err := walk(c, id); err != nil {
				return err
			}
		}
		return nil
	}

	parentID := uint32(0)
	if t.Ctxt != nil && t.Ctxt.Node != nil {
		parentID = denseIDs[t.Ctxt.Node]
	}
	return walk(root, parentID)
}

// ReadHeader validates the fixed-size file header, returning an error if
// the magic, version, or endianness byte don't match exactly (§6.3).
func ReadHeader(r io.Reader) error {
	var magic [16]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return err
	}
	if magic != fileMagic {
		return fmt.Errorf("csprof: bad file magic")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != fileVersion {
		return fmt.Errorf("csprof: unsupported version %d", version)
	}
	var endian [1]byte
	if _, err := io.ReadFull(r, endian[:]); err != nil {
		return err
	}
	if endian[0] != endianLittle {
		return fmt.Errorf("csprof: unsupported endianness %d", endian[0])
	}
	return nil
}
