package security

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// SPAKE2+ sizes.
const (
	sharedSecretSize = 32
	confirmationSize = 32
)

var curve = elliptic.P256()

// Fixed generator points M and N for SPAKE2+ over P-256 (RFC 9383).
var (
	pointM = mustPoint(
		"886e2f97ace46e55ba9dd7242579f2993b64e16ef3dcab95afd497333d8fa12f",
		"5ff355163e43ce224e0b0e65ff02ac8e5c7be09419c785e0ca547d55a12e2d20")
	pointN = mustPoint(
		"d8bbd6c639c62937b04d997f38c3770719c629d7014d49a24b4f98baa1292b49",
		"07d60aa6bfade45008a636337f5168c64d9bd36034808cd564490b1e656edbe7")
)

// Identities bound into every PASE transcript.
var (
	proverIdentity   = []byte("devmgr-commissioner")
	verifierIdentity = []byte("devmgr-device")
)

type point struct {
	x, y *big.Int
}

func mustPoint(x, y string) point {
	px, ok1 := new(big.Int).SetString(x, 16)
	py, ok2 := new(big.Int).SetString(y, 16)
	if !ok1 || !ok2 {
		panic("invalid SPAKE2+ generator point")
	}
	return point{px, py}
}

// sub returns p - k*q.
func sub(p point, q point, k *big.Int) point {
	kx, ky := curve.ScalarMult(q.x, q.y, k.Bytes())
	ky.Neg(ky).Mod(ky, curve.Params().P)
	x, y := curve.Add(p.x, p.y, kx, ky)
	return point{x, y}
}

// addBase returns k*G + l*q.
func addBase(k *big.Int, q point, l *big.Int) point {
	gx, gy := curve.ScalarBaseMult(k.Bytes())
	lx, ly := curve.ScalarMult(q.x, q.y, l.Bytes())
	x, y := curve.Add(gx, gy, lx, ly)
	return point{x, y}
}

func parsePoint(b []byte) (point, error) {
	x, y := elliptic.Unmarshal(curve, b)
	if x == nil {
		return point{}, ErrInvalidPublicValue
	}
	return point{x, y}, nil
}

func (p point) bytes() []byte {
	return elliptic.Marshal(curve, p.x, p.y)
}

// deriveW stretches the pairing code into the scalars w0 and w1.
func deriveW(password []byte) (w0, w1 *big.Int, err error) {
	info := append(append([]byte{}, proverIdentity...), verifierIdentity...)
	r := hkdf.New(sha256.New, password, info, []byte("SPAKE2+-P256-SHA256 w"))

	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("derive w0/w1: %w", err)
	}
	n := curve.Params().N
	w0 = new(big.Int).Mod(new(big.Int).SetBytes(buf[:32]), n)
	w1 = new(big.Int).Mod(new(big.Int).SetBytes(buf[32:]), n)
	clear(buf)
	return w0, w1, nil
}

// PASEVerifier is what a device stores instead of its pairing code.
type PASEVerifier struct {
	W0 []byte
	L  []byte // w1*G, compressed
}

// NewPASEVerifier derives the device-side verifier from a pairing code.
func NewPASEVerifier(pairingCode []byte) (*PASEVerifier, error) {
	if len(pairingCode) == 0 {
		return nil, ErrInvalidCredential
	}
	w0, w1, err := deriveW(pairingCode)
	if err != nil {
		return nil, err
	}
	lx, ly := curve.ScalarBaseMult(w1.Bytes())
	return &PASEVerifier{
		W0: w0.Bytes(),
		L:  elliptic.MarshalCompressed(curve, lx, ly),
	}, nil
}

// spakeState is the part shared by both roles: ephemeral scalar, the two
// public shares and the derived keys.
type spakeState struct {
	w0     *big.Int
	eph    *big.Int
	pA, pB []byte

	sharedSecret []byte
	confirmKey   []byte
}

func newSpakeState(w0 *big.Int) (*spakeState, error) {
	eph, err := rand.Int(rand.Reader, curve.Params().N)
	if err != nil {
		return nil, fmt.Errorf("ephemeral scalar: %w", err)
	}
	return &spakeState{w0: w0, eph: eph}, nil
}

func (s *spakeState) deriveKeys(z, v point) {
	h := sha256.New()
	h.Write(proverIdentity)
	h.Write(verifierIdentity)
	h.Write(s.pA)
	h.Write(s.pB)
	h.Write(z.bytes())
	h.Write(v.bytes())
	h.Write(s.w0.Bytes())

	r := hkdf.New(sha256.New, h.Sum(nil), nil, []byte("SPAKE2+-P256-SHA256"))
	s.sharedSecret = make([]byte, sharedSecretSize)
	s.confirmKey = make([]byte, confirmationSize)
	io.ReadFull(r, s.sharedSecret)
	io.ReadFull(r, s.confirmKey)
}

func (s *spakeState) mac(label string, first, second []byte) []byte {
	m := hmac.New(sha256.New, s.confirmKey)
	m.Write([]byte(label))
	m.Write(first)
	m.Write(second)
	return m.Sum(nil)
}

func (s *spakeState) clear() {
	clear(s.sharedSecret)
	clear(s.confirmKey)
	s.eph = nil
	s.w0 = nil
}

// spakeProver is the commissioner side.
type spakeProver struct {
	*spakeState
	w1 *big.Int
}

func newSpakeProver(pairingCode []byte) (*spakeProver, error) {
	if len(pairingCode) == 0 {
		return nil, ErrInvalidCredential
	}
	w0, w1, err := deriveW(pairingCode)
	if err != nil {
		return nil, err
	}
	st, err := newSpakeState(w0)
	if err != nil {
		return nil, err
	}
	st.pA = addBase(st.eph, pointM, w0).bytes()
	return &spakeProver{spakeState: st, w1: w1}, nil
}

// processShare consumes pB and derives the session secrets.
func (p *spakeProver) processShare(pB []byte) error {
	b, err := parsePoint(pB)
	if err != nil {
		return err
	}
	p.pB = pB

	y := sub(b, pointN, p.w0)
	zx, zy := curve.ScalarMult(y.x, y.y, p.eph.Bytes())
	vx, vy := curve.ScalarMult(y.x, y.y, p.w1.Bytes())
	p.deriveKeys(point{zx, zy}, point{vx, vy})
	return nil
}

func (p *spakeProver) confirmation() []byte {
	return p.mac("client", p.pA, p.pB)
}

func (p *spakeProver) verify(confirm []byte) error {
	if !hmac.Equal(confirm, p.mac("server", p.pB, p.pA)) {
		return ErrConfirmationFailed
	}
	return nil
}

// spakeVerifier is the device side.
type spakeVerifier struct {
	*spakeState
	l point
}

func newSpakeVerifier(v *PASEVerifier) (*spakeVerifier, error) {
	if v == nil {
		return nil, ErrInvalidCredential
	}
	lx, ly := elliptic.UnmarshalCompressed(curve, v.L)
	if lx == nil {
		return nil, fmt.Errorf("%w: bad L point", ErrInvalidCredential)
	}
	st, err := newSpakeState(new(big.Int).SetBytes(v.W0))
	if err != nil {
		return nil, err
	}
	st.pB = addBase(st.eph, pointN, st.w0).bytes()
	return &spakeVerifier{spakeState: st, l: point{lx, ly}}, nil
}

func (v *spakeVerifier) processShare(pA []byte) error {
	a, err := parsePoint(pA)
	if err != nil {
		return err
	}
	v.pA = pA

	x := sub(a, pointM, v.w0)
	zx, zy := curve.ScalarMult(x.x, x.y, v.eph.Bytes())
	vx, vy := curve.ScalarMult(v.l.x, v.l.y, v.eph.Bytes())
	v.deriveKeys(point{zx, zy}, point{vx, vy})
	return nil
}

func (v *spakeVerifier) confirmation() []byte {
	return v.mac("server", v.pB, v.pA)
}

func (v *spakeVerifier) verify(confirm []byte) error {
	if !hmac.Equal(confirm, v.mac("client", v.pA, v.pB)) {
		return ErrConfirmationFailed
	}
	return nil
}
