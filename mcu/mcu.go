//go:build tinygo

// Package mcu binds the loader's flash and boot-handoff contracts to
// the RP2350's bootrom. The application image lives in partition A;
// the loader is resident in partition B and reboots into A once an
// image has been programmed and verified.
package mcu

/*
#include <stdint.h>
#include <stddef.h>

// ============================================================================
// ROM Function Infrastructure (duplicated from TinyGo's machine_rp2350_rom.go)
// ============================================================================

// ROM table code macro - creates 16-bit code from two characters
#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

// ROM function codes
#define ROM_FUNC_REBOOT                 ROM_TABLE_CODE('R', 'B')
#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

// Bootrom constants
#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

// ROM lookup flags
#define RT_FLAG_FUNC_ARM_SEC 0x0004

// Reboot type flags
#define REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

// ROM function lookup (matches TinyGo's implementation pattern).
// TinyGo runs in Secure state on the RP2350 (no TrustZone configured).
__attribute__((always_inline))
static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

// ============================================================================
// Flash geometry
// ============================================================================

// Layout: PT (8KB) | Partition A (application, 1984KB) | Partition B (loader)
// For flash operations (erase/program), use raw offsets from flash start.
// For the reboot() API, bootrom expects XIP addresses (offset + 0x10000000).
#define XIP_BASE           0x10000000
#define APP_OFFSET         0x2000     // partition A, raw flash offset
#define APP_MAX_SIZE       0x1F0000   // 1984KB
#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20   // 4KB sector erase

// loader_flash_erase erases one 4KB sector at the given raw flash offset.
static void loader_flash_erase(uint32_t offset) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);

    if (!connect || !exit_xip || !erase || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    erase(offset, FLASH_SECTOR_SIZE, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

// loader_flash_program writes len bytes at the given raw flash offset.
// len must be a multiple of 256 and the range must be erased.
static void loader_flash_program(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);

    if (!connect || !exit_xip || !program || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    program(offset, data, len);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

// loader_flash_read reads one byte of program memory through XIP.
static uint8_t loader_flash_read(uint32_t offset) {
    return *(const uint8_t *)(uintptr_t)(XIP_BASE + offset);
}

// loader_jump_application reboots into partition A via the bootrom.
// Per RP2350 datasheet 5.4.8.24, p0 carries the XIP address of the
// updated region for REBOOT_TYPE_FLASH_UPDATE.
static int loader_jump_application(void) {
    rom_reboot_fn reboot = (rom_reboot_fn)rom_func_lookup_inline(ROM_FUNC_REBOOT);
    if (!reboot) return -1;
    int ret = reboot(
        REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE | REBOOT2_FLAG_NO_RETURN_ON_SUCCESS,
        1000,                  // delay_ms
        XIP_BASE + APP_OFFSET, // p0: application XIP address
        0                      // p1
    );
    if (ret == 0) {
        // Busy wait for the reboot to take effect.
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while (1) { __asm__("wfi"); }
    }
    return ret;
}
*/
import "C"

// Flash geometry. The loader core addresses flash relative to the
// application base, so cursor 0 is the application's reset vector.
const (
	PageSize  = 4096     // one erase sector per loader page
	AppEnd    = 0x1F0000 // application partition size
	appOffset = 0x2000   // raw flash offset of partition A
)

// Flash implements the loader's page-granular flash contract on the
// RP2350 bootrom. The word latch mirrors the AVR-style self-programming
// model: FillWord stages into RAM, CommitPage programs the sector.
type Flash struct {
	latch [PageSize]byte
}

// ErasePage erases the application sector containing addr.
// addr must be page-aligned and application-relative.
func (f *Flash) ErasePage(addr uint32) {
	C.loader_flash_erase(C.uint32_t(appOffset + addr))
}

// FillWord stages one little-endian word into the page latch at the
// page-relative offset of addr.
func (f *Flash) FillWord(addr uint32, w uint16) {
	off := addr % PageSize
	f.latch[off] = byte(w)
	f.latch[off+1] = byte(w >> 8)
}

// CommitPage programs the staged latch into the sector containing addr.
func (f *Flash) CommitPage(addr uint32) {
	page := addr - addr%PageSize
	C.loader_flash_program(
		C.uint32_t(appOffset+page),
		(*C.uint8_t)(&f.latch[0]),
		C.uint32_t(PageSize),
	)
}

// ReadByte reads one application byte back through XIP.
func (f *Flash) ReadByte(addr uint32) byte {
	return byte(C.loader_flash_read(C.uint32_t(appOffset + addr)))
}

// JumpToApplication transfers control to the application's reset
// vector. It does not return on success; the returned error code is
// only visible when the bootrom rejects the reboot.
func JumpToApplication() int {
	return int(C.loader_jump_application())
}
