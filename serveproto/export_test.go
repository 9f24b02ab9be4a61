// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package serveproto

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/nix/nar"
)

type testReceiver struct {
	buf     bytes.Buffer
	objects []receivedObject
}

type receivedObject struct {
	trailer *ExportTrailer
	nar     []byte
}

func (tr *testReceiver) Write(p []byte) (int, error) {
	return tr.buf.Write(p)
}

func (tr *testReceiver) ReceiveNAR(trailer *ExportTrailer) error {
	tr.objects = append(tr.objects, receivedObject{
		trailer: trailer,
		nar:     bytes.Clone(tr.buf.Bytes()),
	})
	tr.buf.Reset()
	return nil
}

func singleFileNAR(tb testing.TB, data []byte) []byte {
	tb.Helper()
	buf := new(bytes.Buffer)
	nw := nar.NewWriter(buf)
	if err := nw.WriteHeader(&nar.Header{Size: int64(len(data))}); err != nil {
		tb.Fatal(err)
	}
	if _, err := nw.Write(data); err != nil {
		tb.Fatal(err)
	}
	if err := nw.Close(); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func TestExportRoundTrip(t *testing.T) {
	const (
		libcPath  = store.Path("/nix/store/mdvclycvy29sdk0rwv2d0kg85vzakgan-libc-2.40")
		helloPath = store.Path("/nix/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12")
		drvPath   = store.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.drv")
	)
	libcNAR := singleFileNAR(t, []byte("libc"))
	helloNAR := singleFileNAR(t, []byte("hello, world\n"))

	stream := new(bytes.Buffer)
	ew := NewExportWriter(stream)
	if _, err := ew.Write(libcNAR); err != nil {
		t.Fatal(err)
	}
	trailer1 := &ExportTrailer{StorePath: libcPath}
	if err := ew.Trailer(trailer1); err != nil {
		t.Fatal(err)
	}
	if _, err := ew.Write(helloNAR); err != nil {
		t.Fatal(err)
	}
	trailer2 := &ExportTrailer{
		StorePath: helloPath,
		Deriver:   drvPath,
	}
	trailer2.References.Add(libcPath)
	if err := ew.Trailer(trailer2); err != nil {
		t.Fatal(err)
	}
	if err := ew.Close(); err != nil {
		t.Fatal(err)
	}
	stream.WriteString("trailing data")

	recv := new(testReceiver)
	if err := ReceiveExport(recv, stream); err != nil {
		t.Fatal("ReceiveExport:", err)
	}
	if got := stream.String(); got != "trailing data" {
		t.Errorf("ReceiveExport read past end of stream; %q left", got)
	}
	if len(recv.objects) != 2 {
		t.Fatalf("received %d objects; want 2", len(recv.objects))
	}
	if !bytes.Equal(recv.objects[0].nar, libcNAR) {
		t.Error("first object's NAR bytes differ")
	}
	if !bytes.Equal(recv.objects[1].nar, helloNAR) {
		t.Error("second object's NAR bytes differ")
	}
	opts := transformSortedSet[store.Path]()
	if diff := cmp.Diff(trailer1, recv.objects[0].trailer, opts); diff != "" {
		t.Errorf("first trailer (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(trailer2, recv.objects[1].trailer, opts); diff != "" {
		t.Errorf("second trailer (-want +got):\n%s", diff)
	}
}

func TestExportEmptyStream(t *testing.T) {
	stream := new(bytes.Buffer)
	ew := NewExportWriter(stream)
	if err := ew.Close(); err != nil {
		t.Fatal(err)
	}
	recv := new(testReceiver)
	if err := ReceiveExport(recv, stream); err != nil {
		t.Fatal("ReceiveExport:", err)
	}
	if len(recv.objects) != 0 {
		t.Errorf("received %d objects; want 0", len(recv.objects))
	}
}

func TestExportWriterMisuse(t *testing.T) {
	t.Run("CloseWithoutTrailer", func(t *testing.T) {
		ew := NewExportWriter(io.Discard)
		if _, err := ew.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
		if err := ew.Close(); err == nil {
			t.Error("Close with unterminated object succeeded; want error")
		}
	})
	t.Run("TrailerWithoutWrite", func(t *testing.T) {
		ew := NewExportWriter(io.Discard)
		if err := ew.Trailer(new(ExportTrailer)); err == nil {
			t.Error("Trailer without NAR bytes succeeded; want error")
		}
	})
	t.Run("WriteAfterClose", func(t *testing.T) {
		ew := NewExportWriter(io.Discard)
		if err := ew.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := ew.Write([]byte("x")); err == nil {
			t.Error("Write after Close succeeded; want error")
		}
	})
}
