//go:build linux

package shmring

import (
	"bytes"
	"testing"

	"github.com/matryer/is"
)

func useTempDir(t *testing.T) {
	old := Dir
	Dir = t.TempDir()
	t.Cleanup(func() { Dir = old })
}

func TestWriteReadWraps(t *testing.T) {
	is := is.New(t)
	useTempDir(t)

	w, err := Create("/ring", 16, 4)
	is.NoErr(err)
	defer w.Close()

	r, err := Open("ring")
	is.NoErr(err)
	defer r.Close()
	is.Equal(r.Total(), uint64(16))
	is.Equal(r.Format(), uint32(4))

	buf := make([]byte, 16)
	is.Equal(r.Read(buf), 0)

	_, err = w.Write([]byte("0123456789"))
	is.NoErr(err)
	is.Equal(r.Available(), uint64(10))
	is.Equal(r.Read(buf[:8]), 8)
	is.Equal(string(buf[:8]), "01234567")

	// crosses the end of the ring
	_, err = w.Write([]byte("abcdefghij"))
	is.NoErr(err)
	n := r.Read(buf)
	is.Equal(n, 12)
	is.True(bytes.Equal(buf[:n], []byte("89abcdefghij")))
	is.Equal(r.Available(), uint64(0))
}

func TestWriteTooLarge(t *testing.T) {
	is := is.New(t)
	useTempDir(t)

	w, err := Create("big", 8, 0)
	is.NoErr(err)
	defer w.Close()
	_, err = w.Write(make([]byte, 8))
	is.True(err != nil)
}

func TestCreateExistingOpens(t *testing.T) {
	is := is.New(t)
	useTempDir(t)

	a, err := Create("dup", 32, 1)
	is.NoErr(err)
	defer a.Close()
	_, err = a.Write([]byte("xy"))
	is.NoErr(err)

	b, err := Create("dup", 64, 1)
	is.NoErr(err)
	defer b.Close()
	is.Equal(b.Total(), uint64(32))
	is.Equal(b.Available(), uint64(2))

	is.NoErr(Remove("dup"))
	is.NoErr(Remove("dup"))
}
