package kueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const offsetDirSuffix = "-offset"

// Persister stores partition logs and group cursors under BaseDir.
//
//	<BaseDir>/<topic>-<partition>/<baseOffset>.bin       segment files
//	<BaseDir>/<topic>-<partition>-offset/<group>.bin     committed cursor per group
//
// A segment holds SegmentRecords records, each written as a little-endian
// uint32 length followed by the encoded record.
type Persister struct {
	BaseDir        string
	SegmentRecords int
	Compression    Compression
	mu             sync.Mutex
}

// createPartitionDirs makes an empty directory per partition so the partition
// count survives a restart before anything is appended.
func (p *Persister) createPartitionDirs(topic string, partitions int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := int32(0); i < partitions; i++ {
		tp := TopicPartition{Topic: topic, Partition: i}
		if err := os.MkdirAll(filepath.Join(p.BaseDir, tp.String()), 0755); err != nil {
			return err
		}
	}
	return nil
}

// loadPersistedData reads every partition directory under BaseDir.
func (p *Persister) loadPersistedData() (map[TopicPartition][]Record, error) {
	entries, err := os.ReadDir(p.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[TopicPartition][]Record{}, nil
		}
		return nil, err
	}

	data := make(map[TopicPartition][]Record)
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), offsetDirSuffix) {
			continue
		}
		tp, ok := ParseTopicPartition(e.Name())
		if !ok {
			continue
		}
		records, err := p.loadRecordsForPartition(tp)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", tp, err)
		}
		data[tp] = records
	}
	return data, nil
}

func (p *Persister) loadRecordsForPartition(tp TopicPartition) ([]Record, error) {
	dirPath := filepath.Join(p.BaseDir, tp.String())

	files, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	// Segment names are zero-padded base offsets, so name order is offset order.
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() < files[j].Name()
	})

	var records []Record
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".bin" {
			continue
		}
		recs, err := p.readRecordsFromFile(filepath.Join(dirPath, file.Name()), tp)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}

	for i, r := range records {
		if r.Offset != records[0].Offset+int64(i) {
			return nil, fmt.Errorf("%w: gap at offset %d in %s", errCorruptRecord, r.Offset, tp)
		}
	}
	return records, nil
}

func (p *Persister) readRecordsFromFile(filePath string, tp TopicPartition) ([]Record, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []Record
	for {
		var length uint32
		err := binary.Read(file, binary.LittleEndian, &length)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		dataBytes := make([]byte, length)
		if _, err = io.ReadFull(file, dataBytes); err != nil {
			return nil, err
		}

		r, err := decodeRecord(dataBytes)
		if err != nil {
			return nil, err
		}
		r.Topic = tp.Topic
		r.Partition = tp.Partition
		records = append(records, r)
	}
	return records, nil
}

// persistRecords appends consecutive records of one partition, rotating to a
// new segment whenever an offset crosses a SegmentRecords boundary.
func (p *Persister) persistRecords(tp TopicPartition, records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dirPath := filepath.Join(p.BaseDir, tp.String())
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return err
	}

	segment := int64(p.SegmentRecords)
	if segment <= 0 {
		segment = 1000
	}

	var (
		currentFile *os.File
		currentBase int64 = -1
	)
	closeCurrent := func() error {
		if currentFile == nil {
			return nil
		}
		err := currentFile.Sync()
		if cerr := currentFile.Close(); err == nil {
			err = cerr
		}
		currentFile = nil
		return err
	}
	defer closeCurrent()

	for _, r := range records {
		base := (r.Offset / segment) * segment
		if base != currentBase {
			if err := closeCurrent(); err != nil {
				return err
			}
			filePath := filepath.Join(dirPath, fmt.Sprintf("%020d.bin", base))
			f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			currentFile = f
			currentBase = base
		}

		dataBytes, err := encodeRecord(r, p.Compression)
		if err != nil {
			return err
		}
		buf := make([]byte, 4, 4+len(dataBytes))
		binary.LittleEndian.PutUint32(buf, uint32(len(dataBytes)))
		if _, err := currentFile.Write(append(buf, dataBytes...)); err != nil {
			return err
		}
	}
	return closeCurrent()
}

// persistGroupOffset overwrites the committed cursor of group on tp.
func (p *Persister) persistGroupOffset(group string, tp TopicPartition, offset int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dirPath := filepath.Join(p.BaseDir, tp.String()+offsetDirSuffix)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return err
	}

	filePath := filepath.Join(dirPath, group+".bin")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := binary.Write(file, binary.LittleEndian, offset); err != nil {
		return err
	}
	return file.Sync()
}

// loadGroupOffsets fills offsets with every persisted cursor, keyed by groupOffsetKey.
func (p *Persister) loadGroupOffsets(offsets *ConcurrentMap[string, int64]) error {
	entries, err := os.ReadDir(p.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), offsetDirSuffix) {
			continue
		}
		tp, ok := ParseTopicPartition(strings.TrimSuffix(e.Name(), offsetDirSuffix))
		if !ok {
			continue
		}
		if err := p.loadOffsetsForPartition(tp, offsets); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister) loadOffsetsForPartition(tp TopicPartition, offsets *ConcurrentMap[string, int64]) error {
	offsetDirPath := filepath.Join(p.BaseDir, tp.String()+offsetDirSuffix)

	files, err := os.ReadDir(offsetDirPath)
	if err != nil {
		return err
	}

	for _, file := range files {
		group := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
		offset, err := p.readOffsetFromFile(filepath.Join(offsetDirPath, file.Name()))
		if err != nil {
			return err
		}
		offsets.Set(groupOffsetKey(group, tp), offset)
	}
	return nil
}

func (p *Persister) readOffsetFromFile(filePath string) (int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return -1, err
	}
	defer file.Close()

	var offset int64
	if err := binary.Read(file, binary.LittleEndian, &offset); err != nil {
		return -1, err
	}
	return offset, nil
}

func groupOffsetKey(group string, tp TopicPartition) string {
	return group + "/" + tp.String()
}

// ParseTopicPartition splits "orders-2" into its topic and partition. Topic
// names may themselves contain dashes.
func ParseTopicPartition(id string) (TopicPartition, bool) {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 || idx == len(id)-1 {
		return TopicPartition{}, false
	}
	part, err := strconv.ParseInt(id[idx+1:], 10, 32)
	if err != nil || part < 0 {
		return TopicPartition{}, false
	}
	return TopicPartition{Topic: id[:idx], Partition: int32(part)}, true
}
