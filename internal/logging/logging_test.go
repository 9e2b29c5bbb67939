package logging

import (
	"context"
	"testing"
	"time"
)

func recorder() (*FuncLogger, *[]string) {
	var msgs []string
	return NewFuncLogger(func(level Level, ts time.Time, msg string) {
		msgs = append(msgs, level.String()+": "+msg)
	}), &msgs
}

func TestInfoIsANoOpWithoutAnAttachedLogger(t *testing.T) {
	Info(context.Background(), "should not panic")
}

func TestInfofFormatsAndDeliversToTheAttachedLogger(t *testing.T) {
	logger, msgs := recorder()
	ctx := AttachLogger(context.Background(), logger)

	Infof(ctx, "worker %d ready", 3)

	if len(*msgs) != 1 || (*msgs)[0] != "INFO: worker 3 ready" {
		t.Fatalf("msgs = %v, want one INFO record", *msgs)
	}
}

func TestSetPrefixPrependsToEveryRecord(t *testing.T) {
	logger, msgs := recorder()
	ctx := AttachLogger(context.Background(), logger)
	ctx = SetPrefix(ctx, "[worker 2] ")

	Info(ctx, "starting")

	if len(*msgs) != 1 || (*msgs)[0] != "INFO: [worker 2] starting" {
		t.Fatalf("msgs = %v, want the prefix applied", *msgs)
	}
}

func TestAttachLoggerTwiceFansOutToBoth(t *testing.T) {
	outer, outerMsgs := recorder()
	inner, innerMsgs := recorder()

	ctx := AttachLogger(context.Background(), inner)
	ctx = AttachLogger(ctx, outer)

	Info(ctx, "hello")

	if len(*outerMsgs) != 1 || len(*innerMsgs) != 1 {
		t.Fatalf("outer=%v inner=%v, want exactly one record each", *outerMsgs, *innerMsgs)
	}
}

func TestHasLoggerReflectsAttachment(t *testing.T) {
	if HasLogger(context.Background()) {
		t.Fatal("HasLogger() on a bare context = true, want false")
	}
	logger, _ := recorder()
	ctx := AttachLogger(context.Background(), logger)
	if !HasLogger(ctx) {
		t.Fatal("HasLogger() after AttachLogger = false, want true")
	}
}

func TestAttachLoggerNoPropagationDropsThePriorLogger(t *testing.T) {
	dropped, droppedMsgs := recorder()
	kept, keptMsgs := recorder()

	ctx := AttachLogger(context.Background(), dropped)
	ctx = AttachLoggerNoPropagation(ctx, kept)

	Info(ctx, "hello")

	if len(*droppedMsgs) != 0 {
		t.Fatalf("dropped logger received %v, want none", *droppedMsgs)
	}
	if len(*keptMsgs) != 1 {
		t.Fatalf("kept logger received %v, want exactly one record", *keptMsgs)
	}
}
