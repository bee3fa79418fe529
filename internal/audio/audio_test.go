package audio

import (
	"encoding/binary"
	"testing"
)

func TestWAVHeader(t *testing.T) {
	pcm := make([]byte, 3200) // 100ms of 16 kHz mono
	wav := WAV(pcm, SampleRate, Channels)

	if len(wav) != WAVHeaderSize+len(pcm) {
		t.Fatalf("len = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q %q %q", wav[0:4], wav[8:12], wav[36:40])
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("RIFF size = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != SampleRate {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != SampleRate*2 {
		t.Errorf("byte rate = %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != BitsPerSample {
		t.Errorf("bits = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d", got)
	}
}

func TestFakeDevice_EmitOnlyWhileStarted(t *testing.T) {
	f := &FakeDevice{}
	dev, err := f.Opener()(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	var got [][]byte
	dev.SetCallback(func(b []byte) { got = append(got, b) })

	if f.Emit([]byte{1}) {
		t.Error("Emit before Start delivered")
	}
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	if !f.Emit([]byte{2}) {
		t.Error("Emit while started not delivered")
	}
	dev.Stop()
	if f.Emit([]byte{3}) {
		t.Error("Emit after Stop delivered")
	}
	dev.ClearCallback()
	dev.Close()

	if len(got) != 1 || got[0][0] != 2 {
		t.Errorf("got = %v", got)
	}
	if !f.Closed() || f.HasCallback() {
		t.Error("device not released")
	}
}
