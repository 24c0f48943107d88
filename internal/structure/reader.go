// ============================================================================
// Structure Reader
// ============================================================================
//
// Package: internal/structure
// File: reader.go
// Purpose: Parse one PDBx/mmCIF file into ordered alpha-carbon coordinates.
//
// Traversal order:
//   models (first appearance) -> chains (first appearance within model)
//   -> residues (first appearance within chain). One coordinate per residue
//   carrying a CA atom; residues without CA are skipped silently.
//   Index is the running position across the whole structure.
//
// Errors:
//   - ErrEmptyFile: zero-byte file, nothing is parsed
//   - ErrNoResidues: parsed fine but no CA found
//   - *ParseError: anything the tokenizer or _atom_site decoding rejects
//
// ============================================================================

package structure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ChuLiYu/contact-order/pkg/types"
	"github.com/klauspost/compress/gzip"
)

var (
	// ErrEmptyFile indicates a zero-byte input file
	ErrEmptyFile = errors.New("structure: file is empty")
	// ErrNoResidues indicates no residue exposes an alpha-carbon
	ErrNoResidues = errors.New("structure: no residues found")
)

const (
	atomSitePrefix = "_atom_site."
	alphaCarbon    = "CA"
)

// Reader reads alpha-carbon coordinates from mmCIF files
type Reader struct {
	// RequireCarbon rejects CA atoms whose type_symbol is not C (calcium ions)
	RequireCarbon bool
}

// NewReader creates a Reader with default settings
func NewReader() *Reader {
	return &Reader{RequireCarbon: true}
}

// ReadFile checks emptiness, opens (gunzipping *.gz) and parses path
func (r *Reader) ReadFile(ctx context.Context, path string) ([]types.ResidueCoordinate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, ErrEmptyFile
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, &ParseError{Msg: fmt.Sprintf("gzip: %v", err)}
		}
		defer gz.Close()
		src = gz
	}

	return r.Parse(ctx, src)
}

// Parse reads mmCIF text from src
func (r *Reader) Parse(ctx context.Context, src io.Reader) ([]types.ResidueCoordinate, error) {
	b := newBuilder(r.RequireCarbon)
	tok := newTokenizer(ctx, src)

	if err := scanAtomSite(tok, b); err != nil {
		return nil, err
	}
	if !b.seen {
		return nil, &ParseError{Msg: "missing _atom_site category"}
	}

	coords := b.coordinates()
	if len(coords) == 0 {
		return nil, ErrNoResidues
	}
	return coords, nil
}

// scanAtomSite walks the token stream and feeds _atom_site rows to b.
// Only the first data block is read.
func scanAtomSite(tok *tokenizer, b *builder) error {
	var (
		blocks    int
		singleTag []string
		singleVal []string
	)

	flushSingle := func() error {
		if len(singleTag) == 0 {
			return nil
		}
		if err := b.setColumns(singleTag); err != nil {
			return err
		}
		err := b.addRow(singleVal, 0)
		singleTag, singleVal = nil, nil
		return err
	}

	for {
		t, err := tok.next()
		if err == io.EOF {
			return flushSingle()
		}
		if err != nil {
			return err
		}

		switch {
		case t.isReserved() && strings.HasPrefix(strings.ToLower(t.value), "data_"):
			blocks++
			if blocks > 1 {
				return flushSingle()
			}

		case t.isReserved() && strings.EqualFold(t.value, "loop_"):
			if err := scanLoop(tok, b); err != nil {
				return err
			}

		case t.isTag():
			v, err := tok.next()
			if err == io.EOF {
				return &ParseError{Line: t.line, Msg: fmt.Sprintf("missing value for %s", t.value)}
			}
			if err != nil {
				return err
			}
			if v.isTag() || v.isReserved() {
				return &ParseError{Line: v.line, Msg: fmt.Sprintf("missing value for %s", t.value)}
			}
			if hasAtomSitePrefix(t.value) {
				if b.seen {
					return &ParseError{Line: t.line, Msg: "_atom_site given both as loop and as single values"}
				}
				singleTag = append(singleTag, t.value)
				singleVal = append(singleVal, tokenValue(v))
			}

		default:
			// 未知的裸值，跳過
		}
	}
}

// scanLoop reads one loop_ header and its values
func scanLoop(tok *tokenizer, b *builder) error {
	var tags []string
	for {
		t, err := tok.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !t.isTag() {
			tok.unread(t)
			break
		}
		tags = append(tags, t.value)
	}
	if len(tags) == 0 {
		return &ParseError{Line: tok.lineNo, Msg: "loop_ without data names"}
	}

	isAtomSite := hasAtomSitePrefix(tags[0])
	if isAtomSite {
		if b.seen {
			return &ParseError{Line: tok.lineNo, Msg: "duplicate _atom_site loop"}
		}
		if err := b.setColumns(tags); err != nil {
			return err
		}
	}

	row := make([]string, 0, len(tags))
	rows := 0
	for {
		t, err := tok.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if t.isTag() || t.isReserved() {
			tok.unread(t)
			break
		}
		if !isAtomSite {
			continue
		}
		row = append(row, tokenValue(t))
		if len(row) == len(tags) {
			if err := b.addRow(row, rows); err != nil {
				return err
			}
			rows++
			row = row[:0]
		}
	}

	if isAtomSite && len(row) != 0 {
		return &ParseError{Line: tok.lineNo, Msg: fmt.Sprintf("_atom_site loop has %d trailing values for %d columns", len(row), len(tags))}
	}
	return nil
}

func hasAtomSitePrefix(tag string) bool {
	return len(tag) >= len(atomSitePrefix) && strings.EqualFold(tag[:len(atomSitePrefix)], atomSitePrefix)
}

// tokenValue maps CIF null markers to the empty string
func tokenValue(t token) string {
	if t.isNull() {
		return ""
	}
	return t.value
}

// ============================================================================
// 結構組裝：model -> chain -> residue
// ============================================================================

type columns struct {
	group, atomLabel, atomAuth, element          int
	compLabel, compAuth, asymLabel, asymAuth     int
	seqLabel, seqAuth, insCode, x, y, z, modelNo int
}

type residueKey struct {
	hetero string
	seq    string
	icode  string
}

type residue struct {
	hasCA   bool
	x, y, z float64
}

type chain struct {
	residues []*residue
	index    map[residueKey]*residue
}

type model struct {
	chains []*chain
	index  map[string]*chain
}

type builder struct {
	requireCarbon bool
	seen          bool
	cols          columns
	models        []*model
	index         map[string]*model
}

func newBuilder(requireCarbon bool) *builder {
	return &builder{requireCarbon: requireCarbon, index: make(map[string]*model)}
}

func (b *builder) setColumns(tags []string) error {
	pos := make(map[string]int, len(tags))
	for i, tag := range tags {
		pos[strings.ToLower(tag[len(atomSitePrefix):])] = i
	}
	lookup := func(name string) int {
		if i, ok := pos[name]; ok {
			return i
		}
		return -1
	}

	b.cols = columns{
		group:     lookup("group_pdb"),
		atomLabel: lookup("label_atom_id"),
		atomAuth:  lookup("auth_atom_id"),
		element:   lookup("type_symbol"),
		compLabel: lookup("label_comp_id"),
		compAuth:  lookup("auth_comp_id"),
		asymLabel: lookup("label_asym_id"),
		asymAuth:  lookup("auth_asym_id"),
		seqLabel:  lookup("label_seq_id"),
		seqAuth:   lookup("auth_seq_id"),
		insCode:   lookup("pdbx_pdb_ins_code"),
		x:         lookup("cartn_x"),
		y:         lookup("cartn_y"),
		z:         lookup("cartn_z"),
		modelNo:   lookup("pdbx_pdb_model_num"),
	}

	switch {
	case b.cols.atomLabel < 0 && b.cols.atomAuth < 0:
		return &ParseError{Msg: "missing _atom_site.label_atom_id"}
	case b.cols.x < 0:
		return &ParseError{Msg: "missing _atom_site.Cartn_x"}
	case b.cols.y < 0:
		return &ParseError{Msg: "missing _atom_site.Cartn_y"}
	case b.cols.z < 0:
		return &ParseError{Msg: "missing _atom_site.Cartn_z"}
	}
	b.seen = true
	return nil
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func firstOf(row []string, a, b int) string {
	if v := field(row, a); v != "" {
		return v
	}
	return field(row, b)
}

func (b *builder) addRow(row []string, n int) error {
	c := b.cols

	modelID := field(row, c.modelNo)
	if modelID == "" {
		modelID = "1"
	}
	m, ok := b.index[modelID]
	if !ok {
		m = &model{index: make(map[string]*chain)}
		b.index[modelID] = m
		b.models = append(b.models, m)
	}

	chainID := firstOf(row, c.asymAuth, c.asymLabel)
	ch, ok := m.index[chainID]
	if !ok {
		ch = &chain{index: make(map[residueKey]*residue)}
		m.index[chainID] = ch
		m.chains = append(m.chains, ch)
	}

	comp := firstOf(row, c.compLabel, c.compAuth)
	key := residueKey{
		hetero: heteroField(field(row, c.group), comp),
		seq:    firstOf(row, c.seqAuth, c.seqLabel),
		icode:  field(row, c.insCode),
	}
	res, ok := ch.index[key]
	if !ok {
		res = &residue{}
		ch.index[key] = res
		ch.residues = append(ch.residues, res)
	}

	atom := firstOf(row, c.atomLabel, c.atomAuth)
	if atom != alphaCarbon || res.hasCA {
		return nil
	}
	if b.requireCarbon {
		if el := field(row, c.element); el != "" && !strings.EqualFold(el, "C") {
			return nil
		}
	}

	var err error
	if res.x, err = parseCoord(row, c.x, "Cartn_x", n); err != nil {
		return err
	}
	if res.y, err = parseCoord(row, c.y, "Cartn_y", n); err != nil {
		return err
	}
	if res.z, err = parseCoord(row, c.z, "Cartn_z", n); err != nil {
		return err
	}
	res.hasCA = true
	return nil
}

// heteroField follows the PDB convention: "" for ATOM, W for water, H_<name> otherwise
func heteroField(group, comp string) string {
	if !strings.EqualFold(group, "HETATM") {
		return ""
	}
	if comp == "HOH" || comp == "WAT" {
		return "W"
	}
	return "H_" + comp
}

func parseCoord(row []string, i int, name string, n int) (float64, error) {
	raw := field(row, i)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ParseError{Msg: fmt.Sprintf("invalid %s %q in _atom_site row %d", name, raw, n+1)}
	}
	return v, nil
}

func (b *builder) coordinates() []types.ResidueCoordinate {
	var out []types.ResidueCoordinate
	for _, m := range b.models {
		for _, ch := range m.chains {
			for _, res := range ch.residues {
				if !res.hasCA {
					continue
				}
				out = append(out, types.ResidueCoordinate{
					Index: len(out),
					X:     res.x,
					Y:     res.y,
					Z:     res.z,
				})
			}
		}
	}
	return out
}
