package vmm_test

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-microvm/vmm/internal/config"
	"github.com/go-microvm/vmm/internal/vmm"
)

// TestProtectedModeBootEchoAndHalt boots a hand-assembled 16-bit-default
// protected-mode stub that reloads every segment register from the GDT's
// flat data descriptor, writes 'P' to the COM1 data port, and halts. It
// exercises the full boot path: GDT construction, CR0.PE being set before
// the guest's first instruction runs, and port I/O dispatch through the
// device bus to the serial device.
//
// Source (assembled by hand, no assembler available in this environment):
//
//	BITS 16
//	ORG 0x0
//	jmp 0x08:pm_start      ; far jump reloads CS from the GDT's code descriptor
//	pm_start:
//	  mov ax, 0x10
//	  mov ds, ax
//	  mov es, ax
//	  mov fs, ax
//	  mov gs, ax
//	  mov ss, ax
//	  mov al, 'P'
//	  mov dx, 0x3F8        ; COM1 data port, offset 0 of COM1_PORT_BASE
//	  out dx, al
//	  hlt
//
// The far jump and the following movs are encoded with 16-bit operand size
// (no 0x66 prefixes), which only disassembles correctly if the segment the
// guest is executing in has a 16-bit default operand size (GDT flags DB=0).
func TestProtectedModeBootEchoAndHalt(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("skipping: requires root to open /dev/kvm")
	}

	protectedModeBootloaderBinary := []byte{
		0xEA, 0x05, 0x00, 0x08, 0x00, // JMP 0x08:0x0005
		0xB8, 0x10, 0x00, // MOV AX, 0x0010
		0x8E, 0xD8, // MOV DS, AX
		0x8E, 0xC0, // MOV ES, AX
		0x8E, 0xE0, // MOV FS, AX
		0x8E, 0xE8, // MOV GS, AX
		0x8E, 0xD0, // MOV SS, AX
		0xB0, 'P', // MOV AL, 'P'
		0xBA, 0xF8, 0x03, // MOV DX, 0x03F8
		0xEE, // OUT DX, AL
		0xF4, // HLT
	}

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	outputCapture := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		p := make([]byte, 128)
		for {
			n, readErr := r.Read(p)
			if n > 0 {
				buf.Write(p[:n])
				if strings.Contains(buf.String(), "P") {
					break
				}
			}
			if readErr != nil {
				break
			}
		}
		outputCapture <- buf.String()
	}()

	cfg := config.Default()
	cfg.Machine.VCPUCount = 1
	cfg.Machine.MemSizeMiB = 1

	vm, err := vmm.New(cfg, true)
	if err != nil {
		w.Close()
		r.Close()
		t.Fatalf("vmm.New: %v", err)
	}

	if err := vm.LoadBinary(protectedModeBootloaderBinary, 0x0); err != nil {
		vm.Close()
		w.Close()
		r.Close()
		t.Fatalf("LoadBinary: %v", err)
	}

	runErrChan := make(chan error, 1)
	go func() {
		runErrChan <- vm.Run()
	}()

	var runErr error
	select {
	case runErr = <-runErrChan:
	case <-time.After(3 * time.Second):
		t.Error("vm.Run timed out after 3 seconds")
		vm.Stop()
		runErr = <-runErrChan
	}

	w.Close()
	capturedOutput := <-outputCapture
	r.Close()

	if runErr != nil {
		t.Logf("vm.Run returned: %v", runErr)
	}

	if !strings.Contains(capturedOutput, "P") {
		t.Errorf("expected serial output to contain %q, got %q", "P", capturedOutput)
	}

	vm.Close()
}
