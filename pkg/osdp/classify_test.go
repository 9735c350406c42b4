package osdp

import "testing"

func TestClassifyDirection(t *testing.T) {
	cmd := &Frame{Reply: false}
	reply := &Frame{Reply: true}
	if ClassifyDirection(cmd) != Outgoing {
		t.Fatal("expected command frame to classify Outgoing")
	}
	if ClassifyDirection(reply) != Incoming {
		t.Fatal("expected reply frame to classify Incoming")
	}
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		frame *Frame
		want  FrameKind
	}{
		{&Frame{Reply: false, Command: CmdPoll}, KindPoll},
		{&Frame{Reply: false, Command: CmdLED}, KindLedCtl},
		{&Frame{Reply: false, Command: CmdBuz}, KindBuzzerCtl},
		{&Frame{Reply: false, Command: CmdKeyset}, KindEncryptionKeySet},
		{&Frame{Reply: true, Command: ReplyAck}, KindAck},
		{&Frame{Reply: true, Command: ReplyNak}, KindAck},
		{&Frame{Reply: true, Command: ReplyRaw}, KindCardRead},
		{&Frame{Reply: true, Command: ReplyKeypad}, KindKeypadData},
		{&Frame{Reply: true, Command: ReplyPdid}, KindOther},
	}
	for _, c := range cases {
		if got := Classify(c.frame); got != c.want {
			t.Errorf("Classify(%+v) = %v, want %v", c.frame, got, c.want)
		}
	}
}
