package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// --- Page Layout ---

const (
	PageSize      = 4096 // Size of one on-disk page image in bytes
	MaxSlots      = 64   // Capacity of the slot directory
	SlotEntrySize = 4    // offset:u16 + length:u16

	// page_id:u32 | page_type:u16 | row_count:u16 | free_space_ptr:u16 | flags:u16
	HeaderSize        = 4 + 2 + 2 + 2 + 2
	SlotDirectorySize = MaxSlots * SlotEntrySize
	DataAreaOffset    = HeaderSize + SlotDirectorySize
	DataAreaSize      = PageSize - DataAreaOffset
)

// Header field offsets within the page image.
const (
	offPageID       = 0
	offPageType     = 4
	offRowCount     = 6
	offFreeSpacePtr = 8
	offFlags        = 10
)

var (
	ErrOutOfSlots      = errors.New("page slot directory is full")
	ErrOutOfSpace      = errors.New("not enough free space in page data area")
	ErrSlotOutOfRange  = errors.New("slot index out of range")
	ErrInvalidPageData = errors.New("invalid page data")
)

// PageID represents a unique identifier for a page within a table file.
type PageID uint32

// PageType tags what a page holds. Only heap pages are produced today.
type PageType uint16

const (
	PageTypeUnused  PageType = 0
	PageTypeHeap    PageType = 1
	PageTypeIndex   PageType = 2
	PageTypeCatalog PageType = 3
)

func (t PageType) String() string {
	switch t {
	case PageTypeUnused:
		return "unused"
	case PageTypeHeap:
		return "heap"
	case PageTypeIndex:
		return "index"
	case PageTypeCatalog:
		return "catalog"
	default:
		return fmt.Sprintf("PageType(%d)", uint16(t))
	}
}

// Slot locates one record inside the data area. Offset is relative to the
// start of the data area.
type Slot struct {
	Offset uint16
	Length uint16
}

// Page is the in-memory form of a slotted page. It is a plain value: copying a
// Page copies the whole image, and two pages with the same image compare equal.
type Page struct {
	id           PageID
	pageType     PageType
	rowCount     uint16
	freeSpacePtr uint16
	flags        uint16
	slots        [MaxSlots]Slot
	data         [DataAreaSize]byte
}

// NewPage creates an initialized page.
func NewPage(id PageID, pageType PageType) *Page {
	p := &Page{}
	p.Init(id, pageType)
	return p
}

// Init resets the page to an empty page with the given identity.
func (p *Page) Init(id PageID, pageType PageType) {
	p.id = id
	p.pageType = pageType
	p.rowCount = 0
	p.freeSpacePtr = 0
	p.flags = 0
	p.slots = [MaxSlots]Slot{}
	p.data = [DataAreaSize]byte{}
}

func (p *Page) GetPageID() PageID           { return p.id }
func (p *Page) GetPageType() PageType       { return p.pageType }
func (p *Page) GetRowCount() uint16         { return p.rowCount }
func (p *Page) GetFreeSpacePointer() uint16 { return p.freeSpacePtr }
func (p *Page) GetFlags() uint16            { return p.flags }
func (p *Page) SetFlags(flags uint16)       { p.flags = flags }

// IsUnused reports whether the page carries no type tag, which is what a
// zero-extended region of a table file decodes to.
func (p *Page) IsUnused() bool { return p.pageType == PageTypeUnused }

// IsZero reports whether the header is all zero and no record was ever
// appended, i.e. the image is what zero-extending the file produces.
func (p *Page) IsZero() bool {
	return p.id == 0 && p.pageType == PageTypeUnused && p.rowCount == 0 && p.freeSpacePtr == 0 && p.flags == 0
}

// FreeSpace returns the number of data area bytes still available.
func (p *Page) FreeSpace() int { return DataAreaSize - int(p.freeSpacePtr) }

// GetSlot returns the directory entry for an occupied slot.
func (p *Page) GetSlot(slot uint16) (Slot, error) {
	if slot >= p.rowCount {
		return Slot{}, fmt.Errorf("%w: slot %d, row count %d", ErrSlotOutOfRange, slot, p.rowCount)
	}
	return p.slots[slot], nil
}

// AppendRecord copies rec into the data area and returns its slot index.
func (p *Page) AppendRecord(rec []byte) (uint16, error) {
	if int(p.rowCount) >= MaxSlots {
		return 0, fmt.Errorf("%w: page %d has %d slots", ErrOutOfSlots, p.id, MaxSlots)
	}
	end := int(p.freeSpacePtr) + len(rec)
	if end > DataAreaSize {
		return 0, fmt.Errorf("%w: page %d needs %d bytes, %d free", ErrOutOfSpace, p.id, len(rec), p.FreeSpace())
	}

	slot := p.rowCount
	copy(p.data[p.freeSpacePtr:end], rec)
	p.slots[slot] = Slot{Offset: p.freeSpacePtr, Length: uint16(len(rec))}
	p.rowCount++
	p.freeSpacePtr = uint16(end)
	return slot, nil
}

// ReadRecord returns a copy of the record stored in slot.
func (p *Page) ReadRecord(slot uint16) ([]byte, error) {
	s, err := p.GetSlot(slot)
	if err != nil {
		return nil, err
	}
	out := make([]byte, s.Length)
	copy(out, p.data[s.Offset:int(s.Offset)+int(s.Length)])
	return out, nil
}

// --- Serialization ---

// ToBytes encodes the page into a new PageSize buffer.
func (p *Page) ToBytes() []byte {
	buf := make([]byte, PageSize)
	p.encode(buf)
	return buf
}

// EncodeInto encodes the page into buf, which must be exactly PageSize bytes.
func (p *Page) EncodeInto(buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("%w: buffer size %d != page size %d", ErrInvalidPageData, len(buf), PageSize)
	}
	p.encode(buf)
	return nil
}

func (p *Page) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[offPageID:], uint32(p.id))
	binary.LittleEndian.PutUint16(buf[offPageType:], uint16(p.pageType))
	binary.LittleEndian.PutUint16(buf[offRowCount:], p.rowCount)
	binary.LittleEndian.PutUint16(buf[offFreeSpacePtr:], p.freeSpacePtr)
	binary.LittleEndian.PutUint16(buf[offFlags:], p.flags)
	for i, s := range p.slots {
		off := HeaderSize + i*SlotEntrySize
		binary.LittleEndian.PutUint16(buf[off:], s.Offset)
		binary.LittleEndian.PutUint16(buf[off+2:], s.Length)
	}
	copy(buf[DataAreaOffset:], p.data[:])
}

// FromBytes decodes a page image. The receiver is left untouched if the image
// is malformed.
func (p *Page) FromBytes(buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("%w: buffer size %d != page size %d", ErrInvalidPageData, len(buf), PageSize)
	}

	var decoded Page
	decoded.id = PageID(binary.LittleEndian.Uint32(buf[offPageID:]))
	decoded.pageType = PageType(binary.LittleEndian.Uint16(buf[offPageType:]))
	decoded.rowCount = binary.LittleEndian.Uint16(buf[offRowCount:])
	decoded.freeSpacePtr = binary.LittleEndian.Uint16(buf[offFreeSpacePtr:])
	decoded.flags = binary.LittleEndian.Uint16(buf[offFlags:])

	if int(decoded.rowCount) > MaxSlots {
		return fmt.Errorf("%w: row count %d exceeds %d slots", ErrInvalidPageData, decoded.rowCount, MaxSlots)
	}
	if int(decoded.freeSpacePtr) > DataAreaSize {
		return fmt.Errorf("%w: free space pointer %d beyond data area", ErrInvalidPageData, decoded.freeSpacePtr)
	}
	for i := range decoded.slots {
		off := HeaderSize + i*SlotEntrySize
		s := Slot{
			Offset: binary.LittleEndian.Uint16(buf[off:]),
			Length: binary.LittleEndian.Uint16(buf[off+2:]),
		}
		if i < int(decoded.rowCount) && int(s.Offset)+int(s.Length) > int(decoded.freeSpacePtr) {
			return fmt.Errorf("%w: slot %d [%d,+%d) past free space pointer %d",
				ErrInvalidPageData, i, s.Offset, s.Length, decoded.freeSpacePtr)
		}
		decoded.slots[i] = s
	}
	copy(decoded.data[:], buf[DataAreaOffset:])

	*p = decoded
	return nil
}
