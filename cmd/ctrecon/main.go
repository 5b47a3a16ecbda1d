package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/stat"

	"ctrecon/internal/phantom"
	"ctrecon/pkg/config"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/tomo"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML configuration file")
	beam := flag.String("beam", "parallel", "Beam type: parallel, fan or cone")
	numAngles := flag.Int("angles", 180, "Number of projection angles over 180 (parallel) or 360 degrees")
	numRows := flag.Int("rows", 64, "Detector rows")
	numCols := flag.Int("cols", 64, "Detector columns")
	pixelSize := flag.Float64("pixel", 1.0, "Detector pixel pitch in mm")
	sod := flag.Float64("sod", 500, "Source-object distance in mm (fan and cone beams)")
	sdd := flag.Float64("sdd", 1000, "Source-detector distance in mm (fan and cone beams)")
	outputPath := flag.String("output", "", "Write the reconstructed volume as raw float32 to this file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("CT PROJECTION AND FILTERED BACKPROJECTION PIPELINE")
	fmt.Println("================================")

	session := tomo.NewSession()
	if err := cfg.Apply(session); err != nil {
		log.Fatalf("Failed to apply configuration: %v", err)
	}

	det := geometry.Detector{
		NumRows: *numRows, NumCols: *numCols,
		PixelHeight: *pixelSize, PixelWidth: *pixelSize,
		CenterRow: 0.5 * float64(*numRows-1),
		CenterCol: 0.5 * float64(*numCols-1),
	}
	phis := angularRange(*beam, *numAngles)
	switch *beam {
	case "parallel":
		err = session.SetParallelBeam(*numAngles, det, phis)
	case "fan":
		err = session.SetFanBeam(*numAngles, det, phis, *sod, *sdd)
	case "cone":
		err = session.SetConeBeam(*numAngles, det, phis, *sod, *sdd)
	default:
		log.Fatalf("Unknown beam type %q", *beam)
	}
	if err != nil {
		log.Fatalf("Failed to configure geometry: %v", err)
	}
	if err := session.SetDefaultVolume(cfg.Reconstruction.VolumeScale); err != nil {
		log.Fatalf("Failed to configure volume: %v", err)
	}

	vol := session.Volume()
	original := phantom.Default(vol)
	projLen, _ := session.ProjectionLen()
	proj := make([]float32, projLen)
	reconstructed := make([]float32, len(original))

	ctx := context.Background()

	fmt.Println("Forward projecting phantom...")
	startTime := time.Now()
	if err := session.Project(ctx, proj, original); err != nil {
		log.Fatalf("Forward projection failed: %v", err)
	}
	projectTime := time.Since(startTime)

	fmt.Println("Reconstructing by filtered backprojection...")
	startTime = time.Now()
	if err := session.FBP(ctx, proj, reconstructed); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	fbpTime := time.Since(startTime)

	fmt.Printf("\nProjection completed in %.2f seconds\n", projectTime.Seconds())
	fmt.Printf("Reconstruction completed in %.2f seconds\n\n", fbpTime.Seconds())

	rmse, corr := compare(original, reconstructed)
	fmt.Printf("Validation Metrics:\n")
	fmt.Printf("===================\n")
	fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", rmse)
	fmt.Printf("Correlation: %.4f\n", corr)

	if *outputPath != "" {
		if err := writeRaw(*outputPath, reconstructed); err != nil {
			log.Fatalf("Failed to write output: %v", err)
		}
		fmt.Printf("\nReconstructed volume saved to: %s\n", *outputPath)
	}
}

// angularRange returns evenly spaced view angles in degrees: a half
// turn for parallel beams, a full turn for divergent ones.
func angularRange(beam string, n int) []float64 {
	span := 360.0
	if beam == "parallel" {
		span = 180.0
	}
	phis := make([]float64, n)
	for i := range phis {
		phis[i] = span * float64(i) / float64(n)
	}
	return phis
}

// compare computes RMSE and Pearson correlation between two volumes.
func compare(original, reconstructed []float32) (rmse, corr float64) {
	x := make([]float64, len(original))
	y := make([]float64, len(reconstructed))
	var sq float64
	for i := range original {
		x[i] = float64(original[i])
		y[i] = float64(reconstructed[i])
		d := x[i] - y[i]
		sq += d * d
	}
	rmse = math.Sqrt(sq / float64(len(original)))
	corr = stat.Correlation(x, y, nil)
	return rmse, corr
}

// writeRaw writes a volume as little-endian raw float32 samples.
func writeRaw(path string, f []float32) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	return binary.Write(out, binary.LittleEndian, f)
}
